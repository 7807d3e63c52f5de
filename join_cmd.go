package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/james226/collab-session/connection"
	"github.com/james226/collab-session/metrics"
	"github.com/james226/collab-session/protocol"
	"github.com/james226/collab-session/room"
	"github.com/james226/collab-session/session"
)

const joinHelp = `Lines typed are sent as chat. Commands:
  /highlight <entity>   toggle a highlight
  /open <component>     open a component
  /spectate [user]      follow a user, or stop
  /mode <mode>          switch the visualization mode
  /users                list participants
  /leave                leave the room`

func joinCmd() *cobra.Command {
	var (
		url         string
		name        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room from the terminal",
		Long:  "Join a room, or create one when no room is given.\n\n" + joinHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Client.URL = url
			}
			if name != "" {
				cfg.Client.UserName = name
			}
			roomID := ""
			if len(args) > 0 {
				roomID = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			m := metrics.NewClient(metrics.WithRegistry(registry))
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Warn("metrics listener stopped", "addr", metricsAddr, "error", err)
					}
				}()
				defer srv.Close()
			}

			s := session.New(cfg.Client, session.WithLogger(logger), session.WithMetrics(m))
			ended := make(chan error, 1)
			s.SubscribeState(func(tr connection.Transition) {
				logger.Info("connection", "from", tr.From, "to", tr.To, "error", tr.Err)
				if tr.To == connection.Disconnected && tr.Err != nil {
					select {
					case ended <- tr.Err:
					default:
					}
				}
			})
			s.Subscribe(func(change room.Change) {
				logger.Debug("room changed", "kind", change.Kind, "user", change.UserID, "ids", change.IDs)
				if chat, ok := change.Message.(*protocol.ChatMessage); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", chat.UserName, chat.Msg)
				}
			})

			connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
			err = s.Connect(connectCtx, roomID)
			cancel()
			if err != nil {
				return err
			}
			defer s.Disconnect()

			fmt.Fprintf(cmd.OutOrStdout(), "joined room %s as %s\n", s.RoomID(), s.Self().ID)

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			return readLoop(ctx, cmd, s, lines, ended)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "relay websocket url")
	cmd.Flags().StringVar(&name, "name", "", "user name shown to the room")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve client metrics on this address, e.g. :9090")

	return cmd
}

// readLoop runs typed lines until the input ends, the user leaves or the
// session ends for good.
func readLoop(ctx context.Context, cmd *cobra.Command, s *session.Session, lines <-chan string, ended <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-ended:
			return fmt.Errorf("session ended: %w", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := runLine(ctx, cmd, s, line)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

func runLine(ctx context.Context, cmd *cobra.Command, s *session.Session, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.SendChat(ctx, line)
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/highlight":
		on, err := s.ToggleHighlight(ctx, arg, "entity")
		if err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "highlight %s: %t\n", arg, on)
		}
		return false, err
	case "/open":
		return false, s.SetComponentsOpened(ctx, true, arg)
	case "/spectate":
		return false, s.Spectate(ctx, arg, "default")
	case "/mode":
		return false, s.SetVisualizationMode(ctx, arg)
	case "/users":
		for _, u := range s.Room().Users {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", u.ID, u.Name)
		}
		return false, nil
	case "/leave":
		return true, nil
	default:
		fmt.Fprintln(cmd.OutOrStdout(), joinHelp)
		return false, nil
	}
}
