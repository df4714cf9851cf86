package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/assischat/assischat/internal/pprof"
	"github.com/assischat/assischat/internal/serve"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve chats over HTTP and websockets",
	Long: `Serve the chat API.

  GET    /v1/chats                     list chats (?match=glob)
  POST   /v1/chats                     create a chat
  GET    /v1/chats/{id}/messages       list messages
  POST   /v1/chats/{id}/messages       send; the reply streams to watchers
  POST   /v1/chats/{id}/cancel         cancel the in-flight reply
  GET    /v1/chats/{id}/watch          websocket of changes (?cancel_on_close=1)
  POST   /v1/messages/{id}/resend      regenerate a reply
  DELETE /v1/messages/{id}             delete a message

Requests need "Authorization: Bearer <token>" when serve.token is set.
Config file edits (keys, default model) apply without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddr  string
	serveToken string
	servePprof int
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, 127.0.0.1:8787)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required from clients")
	serveCmd.Flags().IntVar(&servePprof, "pprof", 0, "Also serve pprof on 127.0.0.1 at this port (0 picks one)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	live.Watch()

	cfg := live.Current().Serve
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveToken != "" {
		cfg.Token = serveToken
	}

	resolve := func(ref string) string { return resolveModel(live.Current(), ref) }
	srv := serve.New(ctx, a.store, a.coord, cfg, resolve, nil)

	g, gctx := errgroup.WithContext(ctx)
	if cmd.Flags().Changed("pprof") {
		prof, err := pprof.Listen(servePprof, nil)
		if err != nil {
			return err
		}
		g.Go(func() error { return prof.Run(gctx) })
	}
	g.Go(func() error { return srv.Run(gctx, cfg.Addr) })
	return g.Wait()
}
