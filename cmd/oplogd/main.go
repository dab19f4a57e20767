// Command oplogd runs a replica of an operation log database with a simple
// HTTP API to append and list entries. Replicas started with the same
// database name and connected to each other converge to the same log.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	libp2poplog "github.com/libp2p/go-libp2p-oplog"
	"github.com/libp2p/go-libp2p-oplog/access"
	"github.com/libp2p/go-libp2p-oplog/identity"
	"github.com/libp2p/go-libp2p-oplog/oplog"
	"github.com/libp2p/go-libp2p-oplog/p2p"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logger = logging.Logger("oplogd")

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "oplogd",
	Short: "oplogd runs a replica of a peer-to-peer operation log",
	Long: `oplogd runs a replica of a peer-to-peer operation log.

Replicas opened with the same name replicate with each other once connected.
The HTTP API offers:

  List:    GET /
  Get:     GET /<hash>
  Append:  PUT / (the request body is the payload)
  Connect: POST /ip4/<ip>/tcp/<port>/p2p/<peer id>
  Stats:   GET /_stats (with --instrument)
`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./.oplogd.yaml)")
	flags.String("name", "oplog", "name of the database")
	flags.String("dir", "./oplog", "directory of the durable stores, empty keeps them in memory")
	flags.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen address")
	flags.String("http", "127.0.0.1:0", "HTTP API listen address")
	flags.String("key", "", "base64 encoded libp2p private key, generated when empty")
	flags.StringSlice("peer", nil, "address of a peer to connect to on start")
	flags.StringSlice("writer", nil, "identity allowed to write, everyone when empty")
	flags.Int("references", oplog.DefaultReferencesCount, "number of refs of appended entries")
	flags.Bool("instrument", false, "count storage accesses, served on GET /_stats")
	flags.String("log-level", "info", "log level")

	if err := viper.BindPFlags(flags); err != nil {
		logger.Fatal(err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".oplogd")
	}

	viper.SetEnvPrefix("oplogd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func privateKey() (crypto.PrivKey, error) {
	keyb64 := viper.GetString("key")
	if keyb64 == "" {
		ident, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		bs, err := crypto.MarshalPrivateKey(ident.PrivateKey())
		if err != nil {
			return nil, err
		}
		fmt.Printf("Generated key: %s\n\n", base64.StdEncoding.EncodeToString(bs))
		return ident.PrivateKey(), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(keyb64)
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(decoded)
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := logging.SetLogLevel("*", viper.GetString("log-level")); err != nil {
		return err
	}

	priv, err := privateKey()
	if err != nil {
		return err
	}
	ident, err := identity.FromPrivateKey(priv)
	if err != nil {
		return err
	}

	listen, err := multiaddr.NewMultiaddr(viper.GetString("listen"))
	if err != nil {
		return err
	}
	h, err := p2p.NewHost(ctx, priv, listen)
	if err != nil {
		return err
	}
	defer h.Close()

	addrs, err := p2p.Addrs(h)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		fmt.Println(addr)
	}
	fmt.Println()

	tr, err := p2p.NewLibp2pTransport(ctx, h)
	if err != nil {
		return err
	}
	defer tr.Close()

	opts := []libp2poplog.Option{
		libp2poplog.WithDirectory(viper.GetString("dir")),
		libp2poplog.WithReferencesCount(viper.GetInt("references")),
		libp2poplog.WithInstrument(viper.GetBool("instrument")),
	}
	if writers := viper.GetStringSlice("writer"); len(writers) > 0 {
		opts = append(opts, libp2poplog.WithAccessController(access.NewWriteList(writers...)))
	} else {
		opts = append(opts, libp2poplog.WithAccessController(access.AllowAll{}))
	}

	db, err := libp2poplog.Open(ctx, viper.GetString("name"), ident, tr, opts...)
	if err != nil {
		return err
	}
	defer db.Close()

	db.Events().OnUpdate(func(e *oplog.Entry) {
		fmt.Printf("Added: %s\n", e.Hash())
	})
	db.Events().OnJoin(func(p peer.ID, heads []*oplog.Entry) {
		fmt.Printf("Synchronized with %s\n", p)
	})
	db.Events().OnError(func(err error) {
		logger.Warn(err)
	})

	for _, s := range viper.GetStringSlice("peer") {
		if err := connect(ctx, tr, s); err != nil {
			logger.Errorf("connecting to %s: %s", s, err)
		}
	}

	lstr, err := net.Listen("tcp", viper.GetString("http"))
	if err != nil {
		return err
	}
	defer lstr.Close()
	fmt.Println("listening on:", lstr.Addr())
	fmt.Println()

	return http.Serve(lstr, newHandler(ctx, db, tr))
}

func connect(ctx context.Context, tr *p2p.Libp2pTransport, s string) error {
	maddr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return tr.Connect(ctx, maddr)
}

func newHandler(ctx context.Context, db *libp2poplog.Database, tr *p2p.Libp2pTransport) http.Handler {
	respondError := func(w http.ResponseWriter, code int, err error) {
		w.WriteHeader(code)
		w.Write([]byte(err.Error() + "\n"))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Path == "/" {
				it := db.Iterator(oplog.IteratorOptions{})
				w.WriteHeader(http.StatusOK)
				for it.Next(r.Context()) {
					e := it.Entry()
					fmt.Fprintf(w, "%s:%s\n", e.Hash(), e.Payload)
				}
				if err := it.Err(); err != nil {
					fmt.Fprintf(w, "error: %s\n", err)
				}
				return
			}
			if r.URL.Path == "/_stats" {
				w.WriteHeader(http.StatusOK)
				for name, st := range db.StorageStats() {
					fmt.Fprintf(w, "%s: puts=%d gets=%d misses=%d\n", name, st.Puts, st.Gets, st.Misses)
				}
				return
			}
			e, err := db.Log().Get(r.Context(), strings.TrimPrefix(r.URL.Path, "/"))
			if err != nil {
				respondError(w, http.StatusNotFound, err)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write(e.Payload)
		case http.MethodPut:
			payload, err := ioutil.ReadAll(r.Body)
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			hash, err := db.AddOperation(r.Context(), payload)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(hash + "\n"))
		case http.MethodPost:
			if err := connect(ctx, tr, r.URL.Path); err != nil {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			fmt.Println("connected to", r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
