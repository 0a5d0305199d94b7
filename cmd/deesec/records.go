package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/pkg/client"
	"github.com/spf13/cobra"
)

const requestTimeout = 15 * time.Second

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

func sdkGrant(g access.Grant) client.Grant {
	return client.Grant{
		RecordID:  g.RecordID,
		Grantee:   string(g.Grantee),
		Grantor:   string(g.Grantor),
		Seq:       g.Seq,
		GrantedAt: g.GrantedAt,
	}
}

// withAPI runs fn against the configured ledger with a request timeout.
func withAPI(fn func(ctx context.Context, api ledgerAPI) error) error {
	api, closeFn, err := connect()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, api)
}

func printRecords(w io.Writer, recs []client.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tCONTENT\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ID, r.Owner, r.ContentReference, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printGrants(w io.Writer, grants []client.Grant) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tRECORD\tGRANTEE\tGRANTOR\tGRANTED")
	for _, g := range grants {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", g.Seq, g.RecordID, g.Grantee, g.Grantor, g.GrantedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// ── create ───────────────────────────────────────────────────────────────────

var createCmd = &cobra.Command{
	Use:   "create <content-reference>",
	Short: "Create a record owned by the caller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(func(ctx context.Context, api ledgerAPI) error {
			id, err := api.CreateRecord(ctx, args[0])
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), map[string]uint64{"id": id}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "record %d created\n", id)
				return err
			})
		})
	},
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withAPI(func(ctx context.Context, api ledgerAPI) error {
			rec, err := api.GetRecord(ctx, id)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), rec, func(w io.Writer) error {
				fmt.Fprintf(w, "ID:       %d\n", rec.ID)
				fmt.Fprintf(w, "Owner:    %s\n", rec.Owner)
				fmt.Fprintf(w, "Content:  %s\n", rec.ContentReference)
				_, err := fmt.Fprintf(w, "Created:  %s\n", rec.CreatedAt.Format(time.RFC3339))
				return err
			})
		})
	},
}

// ── count ────────────────────────────────────────────────────────────────────

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(func(ctx context.Context, api ledgerAPI) error {
			n, err := api.RecordCount(ctx)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), map[string]uint64{"count": n}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, n)
				return err
			})
		})
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var listOwner string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records by owner (default: the caller)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(func(ctx context.Context, api ledgerAPI) error {
			recs, err := api.RecordsByOwner(ctx, listOwner)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), recs, func(w io.Writer) error {
				return printRecords(w, recs)
			})
		})
	},
}

// ── grant ────────────────────────────────────────────────────────────────────

var grantCmd = &cobra.Command{
	Use:   "grant <id> <grantee>",
	Short: "Grant grantee permission on a record you own",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withAPI(func(ctx context.Context, api ledgerAPI) error {
			r, err := api.GrantPermission(ctx, id, args[1])
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), r, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "granted %s on record %d (seq %d, event %s)\n",
					r.Grant.Grantee, r.Grant.RecordID, r.Grant.Seq, r.EventID)
				return err
			})
		})
	},
}

// ── grants ───────────────────────────────────────────────────────────────────

var grantsCmd = &cobra.Command{
	Use:   "grants <id>",
	Short: "List the permission grants on a record in issuance order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withAPI(func(ctx context.Context, api ledgerAPI) error {
			grants, err := api.ListGrants(ctx, id)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), grants, func(w io.Writer) error {
				return printGrants(w, grants)
			})
		})
	},
}

// ── access ───────────────────────────────────────────────────────────────────

var accessCmd = &cobra.Command{
	Use:   "access <id> <identity>",
	Short: "Report whether identity owns or was granted a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withAPI(func(ctx context.Context, api ledgerAPI) error {
			ok, err := api.HasAccess(ctx, id, args[1])
			if err != nil {
				return err
			}
			v := map[string]any{"record_id": id, "identity": args[1], "access": ok}
			return printValue(cmd.OutOrStdout(), v, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, ok)
				return err
			})
		})
	},
}

// ── watch ────────────────────────────────────────────────────────────────────

var (
	watchRecord string
	watchType   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow ledger events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.WatchOptions{Type: watchType}
		if watchRecord != "" {
			id, err := parseID(watchRecord)
			if err != nil {
				return err
			}
			opts.RecordID = &id
		}

		api, closeFn, err := connect()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		out := cmd.OutOrStdout()
		return api.Watch(ctx, opts, func(e client.Event) bool {
			err := printValue(out, e, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s\t%s\trecord=%d\tactor=%s\tsubject=%s\n",
					e.At.Format(time.RFC3339), e.Type, e.RecordID, e.Actor, e.Subject)
				return err
			})
			return err == nil
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&listOwner, "owner", "", "owner identity (default: the caller)")
	watchCmd.Flags().StringVar(&watchRecord, "record", "", "only events for this record id")
	watchCmd.Flags().StringVar(&watchType, "type", "", "only events of this type (record.created, permission.granted)")
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit [index]",
	Short: "Verify the ledger's event hash chain, or show one entry",
	Long: `audit asks ledgerd to verify its event hash chain and prints the chain
length, root and result. With an index it prints that chain entry instead.
The audit chain is served over HTTP only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []client.Option
		if asWho != "" {
			opts = append(opts, client.WithIdentity(asWho))
		}
		if token != "" {
			opts = append(opts, client.WithBearerToken(token))
		}
		c, err := client.New(serverURL, opts...)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if len(args) == 1 {
			idx, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			e, err := c.AuditEntry(ctx, idx)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), e, func(w io.Writer) error {
				fmt.Fprintf(w, "Index:    %d\n", e.Index)
				fmt.Fprintf(w, "Event:    %s %s\n", e.Type, e.EventID)
				fmt.Fprintf(w, "Record:   %d\n", e.RecordID)
				fmt.Fprintf(w, "Actor:    %s\n", e.Actor)
				if e.Subject != "" {
					fmt.Fprintf(w, "Subject:  %s\n", e.Subject)
				}
				fmt.Fprintf(w, "Prev:     %s\n", e.PrevHash)
				_, err := fmt.Fprintf(w, "Hash:     %s\n", e.Hash)
				return err
			})
		}

		st, err := c.AuditStatus(ctx)
		if err != nil {
			return err
		}
		if err := printValue(cmd.OutOrStdout(), st, func(w io.Writer) error {
			fmt.Fprintf(w, "Entries:  %d\n", st.Length)
			fmt.Fprintf(w, "Root:     %s\n", st.Root)
			if st.Intact {
				_, err := fmt.Fprintln(w, "Status:   intact")
				return err
			}
			_, err := fmt.Fprintf(w, "Status:   BROKEN (%s)\n", st.Problem)
			return err
		}); err != nil {
			return err
		}
		if !st.Intact {
			return fmt.Errorf("audit chain verification failed")
		}
		return nil
	},
}
