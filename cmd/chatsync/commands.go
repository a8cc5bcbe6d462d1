package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/service"
)

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:    "conversations",
		Aliases: []string{"ls"},
		Usage:   "List conversations, most recent first",
		Action: func(c *cli.Context) error {
			return run(c, func(ctx context.Context, e *engine) error {
				convs, err := e.sync.Conversations(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tNAME\tLAST MESSAGE")
				for _, conv := range convs {
					last := ""
					if conv.LastMessage != nil {
						last = fmt.Sprintf("%s: %s", conv.LastMessage.SenderName, truncate(conv.LastMessage.Preview, 40))
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", conv.ID, conv.Kind, conv.DisplayName(e.identity.UserID), last)
				}
				return w.Flush()
			})
		},
	}
}

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Print a conversation and follow new messages",
		ArgsUsage: "CONVERSATION_ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "older",
				Usage: "Also load the second history page",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("missing required argument: conversation id")
			}
			id := c.Args().Get(0)

			return run(c, func(ctx context.Context, e *engine) error {
				changes, cancel := e.sync.Subscribe()
				defer cancel()

				if err := e.sync.ActivateConversation(ctx, id); err != nil {
					return err
				}
				if c.Bool("older") {
					if err := e.sync.LoadOlder(ctx); err != nil {
						return err
					}
				}

				p := &printer{selfID: e.identity.UserID, seen: make(map[string]bool)}
				if err := p.flush(ctx, e.sync); err != nil {
					return err
				}

				for {
					select {
					case <-ctx.Done():
						return nil
					case change, ok := <-changes:
						if !ok {
							return nil
						}
						switch change.Kind {
						case service.ChangeTimeline:
							if err := p.flush(ctx, e.sync); err != nil {
								return err
							}
						case service.ChangeUnread:
							n, err := e.sync.UnreadBadge(ctx)
							if err != nil {
								return err
							}
							e.logger.Info().Int("unread", n).Str("conversation_id", change.ConversationID).Msg("activity elsewhere")
						case service.ChangeChannel:
							e.logger.Debug().Str("state", e.session.State().String()).Msg("channel state changed")
						}
					}
				}
			})
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a text message to a conversation",
		ArgsUsage: "CONVERSATION_ID TEXT",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("missing required arguments: conversation id and text")
			}
			id := c.Args().Get(0)
			text := strings.Join(c.Args().Slice()[1:], " ")

			return run(c, func(ctx context.Context, e *engine) error {
				if err := e.sync.ActivateConversation(ctx, id); err != nil {
					return err
				}
				return sendAndWait(ctx, e, func() (domain.Message, error) {
					return e.sync.SendText(ctx, text)
				})
			})
		},
	}
}

func dmCommand() *cli.Command {
	return &cli.Command{
		Name:      "dm",
		Usage:     "Send a direct message, starting the conversation if needed",
		ArgsUsage: "USER_ID TEXT",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("missing required arguments: user id and text")
			}
			userID := c.Args().Get(0)
			text := strings.Join(c.Args().Slice()[1:], " ")

			return run(c, func(ctx context.Context, e *engine) error {
				conv, err := e.sync.OpenDirect(ctx, userID)
				if err != nil {
					return err
				}
				e.logger.Debug().Str("conversation_id", conv.ID).Msg("direct conversation ready")
				return sendAndWait(ctx, e, func() (domain.Message, error) {
					return e.sync.SendText(ctx, text)
				})
			})
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a file and send it to a conversation",
		ArgsUsage: "CONVERSATION_ID PATH",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("missing required arguments: conversation id and path")
			}
			id, path := c.Args().Get(0), c.Args().Get(1)

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			contentType, err := detectContentType(f, path)
			if err != nil {
				return err
			}

			file := domain.UploadFile{
				Name:        filepath.Base(path),
				ContentType: contentType,
				Size:        info.Size(),
				Body:        f,
			}

			return run(c, func(ctx context.Context, e *engine) error {
				if err := e.sync.ActivateConversation(ctx, id); err != nil {
					return err
				}
				return sendAndWait(ctx, e, func() (domain.Message, error) {
					return e.sync.SendAttachment(ctx, file)
				})
			})
		},
	}
}

// sendAndWait sends and blocks until the server echo confirms the message
// or it is flagged as failed.
func sendAndWait(ctx context.Context, e *engine, send func() (domain.Message, error)) error {
	changes, cancel := e.sync.Subscribe()
	defer cancel()

	msg, err := send()
	if err != nil {
		return err
	}

	for {
		state, err := deliveryState(ctx, e.sync, msg.ClientID)
		if err != nil {
			return err
		}
		switch state {
		case domain.StateConfirmed:
			fmt.Println("sent")
			return nil
		case domain.StateFailed:
			return errors.New("message was not confirmed by the server")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return service.ErrClosed
			}
		}
	}
}

func deliveryState(ctx context.Context, svc *service.SyncService, clientID string) (domain.DeliveryState, error) {
	v, err := svc.ActiveTimeline(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range v.Messages {
		if m.ClientID == clientID {
			return m.State, nil
		}
	}
	return domain.StatePending, nil
}

// printer writes timeline messages it hasn't printed yet.
type printer struct {
	selfID string
	seen   map[string]bool
}

func (p *printer) flush(ctx context.Context, svc *service.SyncService) error {
	v, err := svc.ActiveTimeline(ctx)
	if err != nil {
		return err
	}
	for _, m := range v.Messages {
		if m.State != domain.StateConfirmed || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true

		who := m.SenderID
		if who == p.selfID {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.DateTime), who, m.Preview())
	}
	return nil
}

func detectContentType(f *os.File, path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}
	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
