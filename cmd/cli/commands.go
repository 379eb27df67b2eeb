package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/goph-chat/internal/auth"
	"github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/errs"
)

// withApp opens the wiring for one command, optionally unlocks the session keys,
// runs fn and closes everything.
func withApp(cmd *cobra.Command, cfg config, unlock bool, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := withTimeout(cmd.Context(), cfg)
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if unlock {
		if err := a.unlock(ctx, cmd.InOrStdin()); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

// ------- session -------

func loginCmd(get func() config) *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an access token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := get()
			if cfg.JWTKey == "" {
				return errs.Validation("jwt-key", "jwt signing key is required")
			}
			uid, err := parseID(user, "user")
			if err != nil {
				return err
			}
			tok, exp, err := auth.NewTokens([]byte(cfg.JWTKey), ttl).Issue(uid)
			if err != nil {
				return err
			}
			if err := saveToken(tok, exp); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), map[string]string{"user_id": uid.String(), "expires_at": tsString(&exp)})
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (uuid)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return removeToken()
		},
	}
}

type keyView struct {
	UserID         string `json:"user_id"`
	State          string `json:"state"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	NeedsMigration bool   `json:"needs_migration,omitempty"`
}

func (a *app) keyView(ctx context.Context) keyView {
	v := keyView{
		UserID:         a.sess.UserID().String(),
		State:          a.sess.State().String(),
		NeedsMigration: a.keys.NeedsMigration(ctx, a.sess),
	}
	if kp := a.keys.CurrentKeys(a.sess); kp != nil {
		v.Fingerprint = crypto.Fingerprint(kp.Public)
	}
	return v
}

func unlockCmd(get func() config) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Derive (or create on first use) the encryption keys and show their fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, get(), true, func(ctx context.Context, a *app) error {
				printJSON(cmd.OutOrStdout(), a.keyView(ctx))
				return nil
			})
		},
	}
}

func rotateCmd(get func() config) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Replace the key pair; messages encrypted to the old key become unreadable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := get()
			return withApp(cmd, cfg, false, func(ctx context.Context, a *app) error {
				pw, err := password(cfg, cmd.InOrStdin())
				if err != nil {
					return err
				}
				// the current password must unlock the current key first
				if _, err := a.keys.Unlock(ctx, a.sess, pw); err != nil {
					return err
				}
				if _, err := a.keys.RotateKeys(ctx, a.sess, pw); err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), a.keyView(ctx))
				return nil
			})
		},
	}
}

func revokeCmd(get func() config) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke every published key of the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errs.Validation("yes", "revocation cannot be undone; pass --yes")
			}
			return withApp(cmd, get(), true, func(ctx context.Context, a *app) error {
				if err := a.keys.RevokeKeys(ctx, a.sess); err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), a.keyView(ctx))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm revocation")
	return cmd
}

// ------- messages -------

func sendCmd(get func() config) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text...]",
		Short: "Encrypt and send a message; queued when the store is unreachable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := get()
			conv, err := parseID(args[0], "conversation_id")
			if err != nil {
				return err
			}
			if file == "-" && cfg.Password == "" {
				return errs.Validation("password", "set --password when reading the message from stdin")
			}
			text, err := messageText(args[1:], file)
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, true, func(ctx context.Context, a *app) error {
				res, err := a.msgs.Send(ctx, a.sess, conv, text)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), sendResultRow(res))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the message from a file ('-' for stdin)")
	return cmd
}

func historyCmd(get func() config) *cobra.Command {
	var (
		cursor int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show one page of decrypted history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := parseID(args[0], "conversation_id")
			if err != nil {
				return err
			}
			return withApp(cmd, get(), true, func(ctx context.Context, a *app) error {
				h, err := a.msgs.History(ctx, a.sess, conv, cursor, limit)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), historyRows(h))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "before", 0, "sequence number cursor from a previous page")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default 50)")
	return cmd
}

func editCmd(get func() config) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <message-id> <text...>",
		Short: "Re-encrypt one of your messages with new content",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "message_id")
			if err != nil {
				return err
			}
			text, _ := messageText(args[1:], "")
			return withApp(cmd, get(), true, func(ctx context.Context, a *app) error {
				m, err := a.msgs.Edit(ctx, a.sess, id, text)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), map[string]any{"id": m.ID.String(), "seq": m.SequenceNumber, "edited_at": tsString(m.EditedAt)})
				return nil
			})
		},
	}
}

func deleteCmd(get func() config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete one of your messages for both participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "message_id")
			if err != nil {
				return err
			}
			return withApp(cmd, get(), false, func(ctx context.Context, a *app) error {
				return a.msgs.Delete(ctx, a.sess, id)
			})
		},
	}
}

func readCmd(get func() config) *cobra.Command {
	return &cobra.Command{
		Use:   "read <message-id>...",
		Short: "Mark received messages as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args, "message_id")
			if err != nil {
				return err
			}
			return withApp(cmd, get(), false, func(ctx context.Context, a *app) error {
				return a.msgs.MarkAsRead(ctx, a.sess, ids)
			})
		},
	}
}

func archiveCmd(get func() config, archive bool) *cobra.Command {
	use, short := "archive", "Hide a conversation for yourself"
	if !archive {
		use, short = "unarchive", "Show an archived conversation again"
	}
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := parseID(args[0], "conversation_id")
			if err != nil {
				return err
			}
			return withApp(cmd, get(), false, func(ctx context.Context, a *app) error {
				if archive {
					return a.msgs.Archive(ctx, a.sess, conv)
				}
				return a.msgs.Unarchive(ctx, a.sess, conv)
			})
		},
	}
}

// ------- offline queue -------

func queueCmd(get func() config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline outbox of this device",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, get(), false, func(ctx context.Context, a *app) error {
				items, err := a.queue.Items(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), queueRows(items))
				return nil
			})
		},
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Deliver every due message now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, get(), false, func(ctx context.Context, a *app) error {
				res, err := a.queue.Drain(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), map[string]int{"delivered": res.Delivered, "retrying": res.Retrying, "failed": res.Failed})
				return nil
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Give failed messages a fresh attempt budget and drain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, get(), false, func(ctx context.Context, a *app) error {
				n, err := a.queue.RetryFailed(ctx)
				if err != nil {
					return err
				}
				res, err := a.queue.Drain(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), map[string]int{"reset": n, "delivered": res.Delivered, "failed": res.Failed})
				return nil
			})
		},
	}

	discard := &cobra.Command{
		Use:   "discard <message-id>",
		Short: "Drop a queued message without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "message_id")
			if err != nil {
				return err
			}
			return withApp(cmd, get(), false, func(ctx context.Context, a *app) error {
				return a.queue.Discard(ctx, id)
			})
		},
	}

	cmd.AddCommand(list, drain, retry, discard)
	return cmd
}

