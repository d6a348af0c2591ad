package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"peerlink/internal/config"
	"peerlink/internal/content"
	"peerlink/internal/db"
	"peerlink/internal/domain"
	"peerlink/internal/engine"
	"peerlink/internal/id"
	"peerlink/internal/migrate"
	"peerlink/internal/repo"
	"peerlink/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "plk",
	Short: "Peerlink CLI",
	Long: `Peerlink negotiates requests and attribute sharing between identities.
- Workspace: your .peerlink directory holding only the database; the config is stored in the DB and imported explicitly.
- Requests: negotiation envelopes carrying items (create, share, read, consent, ...) that the peer accepts or rejects.
- Attributes: identity facts and relationship facts; new versions form predecessor/successor chains.
- Shares: the registry of who holds which attribute, soft-deleted on relationship end.
- Notifications: succession and deletion intents queued for the transport.
- Event log: diary of changes, view with 'plk log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("PEERLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(attributeCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace for a local identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg := config.Default(address)
			if err := r.UpsertConfig(cmd.Context(), cfg); err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "local identity address")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage identity config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show identity status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts := map[string]int{}
				for _, status := range []string{
					domain.RequestStatusOpen,
					domain.RequestStatusManualDecision,
					domain.RequestStatusDecided,
					domain.RequestStatusCompleted,
				} {
					items, err := e.ListRequests(ctx, repo.RequestFilter{Status: status})
					if err != nil {
						return err
					}
					counts[status] = len(items)
				}
				out := map[string]any{
					"address":        e.Config.Identity.Address,
					"request_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Identity: %s\n", e.Config.Identity.Address)
				fmt.Println("Requests:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage requests",
		Long:  "Requests flow open -> decided -> completed (incoming) or open -> completed (outgoing, the peer decides). Expired requests read as expired without a stored transition.",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestReceivedCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestSentCmd())
	req.AddCommand(requestCheckCmd())
	req.AddCommand(requestManualCmd())
	req.AddCommand(requestAcceptCmd())
	req.AddCommand(requestRejectCmd())
	req.AddCommand(requestCompleteCmd())
	req.AddCommand(requestResponseCmd())
	req.AddCommand(requestDiscardCmd())
	req.AddCommand(requestDeleteCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var peer, contentFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an outgoing request",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqContent content.Request
			if err := readJSONFile(contentFile, &reqContent); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateOutgoingRequest(ctx, peer, reqContent, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer address")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "path to request content JSON")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("content-file")
	return cmd
}

func requestReceivedCmd() *cobra.Command {
	var peer, contentFile, sourceType, sourceID string
	cmd := &cobra.Command{
		Use:   "received",
		Short: "Record a request received from a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqContent content.Request
			if err := readJSONFile(contentFile, &reqContent); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ReceivedIncomingRequest(ctx, peer, reqContent, sourceType, sourceID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer address")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "path to request content JSON")
	cmd.Flags().StringVar(&sourceType, "source-type", "message", "carrying object kind (message, relationship)")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "carrying object id")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("content-file")
	return cmd
}

func requestListCmd() *cobra.Command {
	var direction, status, peer string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequests(ctx, repo.RequestFilter{
					Direction: direction,
					Status:    status,
					Peer:      peer,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Direction", "Peer", "Status", "Expires"})
				for _, r := range items {
					expires := ""
					if r.ExpiresAt != nil {
						expires = *r.ExpiresAt
					}
					tw.AppendRow(table.Row{r.ID, r.Direction, r.Peer, r.Status, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "incoming or outgoing")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&peer, "peer", "", "peer address filter")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestSentCmd() *cobra.Command {
	var sourceType, sourceID string
	cmd := &cobra.Command{
		Use:   "sent <request-id>",
		Short: "Bind the transport object an outgoing request left with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.SentOutgoingRequest(ctx, args[0], sourceType, sourceID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&sourceType, "source-type", "message", "carrying object kind (message, relationship)")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "carrying object id")
	return cmd
}

func requestCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <request-id>",
		Short: "Check whether an incoming request could be decided automatically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckPrerequisitesOfIncomingRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	return cmd
}

func requestManualCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manual <request-id>",
		Short: "Flag an incoming request for manual decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.RequireManualDecisionOfIncomingRequest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestAcceptCmd() *cobra.Command {
	var decisionFile string
	cmd := &cobra.Command{
		Use:   "accept <request-id>",
		Short: "Decide an incoming request with a decision tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var decision content.Decision
			if err := readJSONFile(decisionFile, &decision); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.AcceptIncomingRequest(ctx, args[0], decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&decisionFile, "decision-file", "", "path to decision JSON")
	_ = cmd.MarkFlagRequired("decision-file")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var code, message string
	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject every item of an incoming request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.RejectIncomingRequest(ctx, args[0], code, message, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "rejection code (defaults to the unspecified-reason code)")
	cmd.Flags().StringVar(&message, "message", "", "rejection message")
	return cmd
}

func requestCompleteCmd() *cobra.Command {
	var responseSource string
	cmd := &cobra.Command{
		Use:   "complete <request-id>",
		Short: "Complete a decided incoming request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CompleteIncomingRequest(ctx, args[0], responseSource, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&responseSource, "response-source", "", "id of the object delivering the response")
	return cmd
}

func requestResponseCmd() *cobra.Command {
	var responseFile, responseSource string
	cmd := &cobra.Command{
		Use:   "response <request-id>",
		Short: "Record the peer's response to an outgoing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp content.Response
			if err := readJSONFile(responseFile, &resp); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CompleteOutgoingRequest(ctx, args[0], resp, responseSource, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&responseFile, "response-file", "", "path to response JSON")
	cmd.Flags().StringVar(&responseSource, "response-source", "", "id of the object that carried the response")
	_ = cmd.MarkFlagRequired("response-file")
	return cmd
}

func requestDiscardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard <request-id>",
		Short: "Discard an unsent outgoing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.DiscardOutgoingRequest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Delete an incoming request locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.DeleteIncomingRequest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func attributeCmd() *cobra.Command {
	attr := &cobra.Command{
		Use:   "attribute",
		Short: "Manage attributes",
		Long:  "Attributes are identity facts (display name, mail address, ...) or relationship facts keyed per peer. New versions chain to their predecessors; sharing and deletion are tracked per peer.",
	}
	attr.AddCommand(attributeCreateCmd())
	attr.AddCommand(attributeListCmd())
	attr.AddCommand(attributeShowCmd())
	attr.AddCommand(attributeVersionsCmd())
	attr.AddCommand(attributeSucceedCmd())
	attr.AddCommand(attributeNotifyCmd())
	attr.AddCommand(attributeShareCmd())
	attr.AddCommand(attributeShareRelationshipCmd())
	attr.AddCommand(attributeForwardingCmd())
	attr.AddCommand(attributeDeleteCmd())
	attr.AddCommand(attributeViewedCmd())
	return attr
}

// attributeFromFlags builds attribute content from either a JSON file or the
// identity-value shortcut flags.
func attributeFromFlags(file, valueKind, value string, tags []string) (content.Attribute, error) {
	if file != "" {
		var attr content.Attribute
		if err := readJSONFile(file, &attr); err != nil {
			return content.Attribute{}, err
		}
		return attr, nil
	}
	if valueKind == "" || value == "" {
		return content.Attribute{}, fmt.Errorf("either --file or both --value-kind and --value are required")
	}
	return content.Attribute{
		Tags:  tags,
		Value: content.IdentityValue{ValueKind: valueKind, Value: value},
	}, nil
}

func attributeCreateCmd() *cobra.Command {
	var file, valueKind, value string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an attribute",
		RunE: func(cmd *cobra.Command, args []string) error {
			attr, err := attributeFromFlags(file, valueKind, value, tags)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateAttribute(ctx, attr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to attribute content JSON")
	cmd.Flags().StringVar(&valueKind, "value-kind", "", "identity value kind (DisplayName, EMailAddress, ...)")
	cmd.Flags().StringVar(&value, "value", "", "identity value")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	return cmd
}

func attributeListCmd() *cobra.Command {
	var owner, kind string
	var onlyCurrent bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attributes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAttributes(ctx, repo.AttributeFilter{
					Owner:       owner,
					Kind:        kind,
					OnlyCurrent: onlyCurrent,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Owner", "Current", "Deleted"})
				for _, a := range items {
					deleted := ""
					if a.DeletionStatus != nil {
						deleted = *a.DeletionStatus
					}
					tw.AppendRow(table.Row{a.ID, a.Kind, a.Owner, a.IsCurrent(), deleted})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner address filter")
	cmd.Flags().StringVar(&kind, "kind", "", "identity or relationship")
	cmd.Flags().BoolVar(&onlyCurrent, "current", false, "only chain tips")
	return cmd
}

func attributeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <attribute-id>",
		Short: "Show an attribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attr, err := e.Repo.GetAttribute(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(attr)
			})
		},
	}
	return cmd
}

func attributeVersionsCmd() *cobra.Command {
	var peer string
	var onlyLatest bool
	cmd := &cobra.Command{
		Use:   "versions <attribute-id>",
		Short: "Show the attribute's succession chain, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var versions []domain.Attribute
				var err error
				if peer != "" {
					versions, err = e.GetVersionsOfAttributeSharedWithPeer(ctx, args[0], peer, onlyLatest)
				} else {
					versions, err = e.GetVersionsOfAttribute(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(versions)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "restrict to versions this peer holds")
	cmd.Flags().BoolVar(&onlyLatest, "only-latest", true, "only the newest shared version (with --peer)")
	return cmd
}

func attributeSucceedCmd() *cobra.Command {
	var file, valueKind, value string
	var tags []string
	var relationship bool
	cmd := &cobra.Command{
		Use:   "succeed <attribute-id>",
		Short: "Replace an attribute with a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			successor, err := attributeFromFlags(file, valueKind, value, tags)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				if relationship {
					res, notifications, err := e.SucceedRelationshipAttributeAndNotifyPeer(ctx, args[0], successor, actorID)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{
						"succession":    res,
						"notifications": notifications,
					})
				}
				res, err := e.SucceedOwnIdentityAttribute(ctx, args[0], successor, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to successor content JSON")
	cmd.Flags().StringVar(&valueKind, "value-kind", "", "identity value kind")
	cmd.Flags().StringVar(&value, "value", "", "identity value")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable; defaults to predecessor tags)")
	cmd.Flags().BoolVar(&relationship, "relationship", false, "relationship succession with peer notification")
	return cmd
}

func attributeNotifyCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "notify <attribute-id>",
		Short: "Tell a peer about an identity attribute succession",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.NotifyPeerAboutOwnIdentityAttributeSuccession(ctx, args[0], peer, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer address")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func attributeShareCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "share <attribute-id>",
		Short: "Offer an own identity attribute to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ShareOwnIdentityAttribute(ctx, args[0], peer, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer address")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func attributeShareRelationshipCmd() *cobra.Command {
	var peer, file string
	cmd := &cobra.Command{
		Use:   "share-relationship",
		Short: "Ask a peer to store a new relationship attribute",
		RunE: func(cmd *cobra.Command, args []string) error {
			var attr content.Attribute
			if err := readJSONFile(file, &attr); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateAndShareRelationshipAttribute(ctx, attr, peer, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer address")
	cmd.Flags().StringVar(&file, "file", "", "path to relationship attribute JSON")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func attributeForwardingCmd() *cobra.Command {
	var peer string
	var onlyActive bool
	cmd := &cobra.Command{
		Use:   "forwarding <attribute-id>",
		Short: "Show who holds the attribute and in what state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.GetForwardingDetailsForAttribute(ctx, args[0], peer, onlyActive)
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer address filter")
	cmd.Flags().BoolVar(&onlyActive, "active", false, "exclude soft-deleted records")
	return cmd
}

func attributeDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <attribute-id>",
		Short: "Soft-delete an attribute and notify peers holding copies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attr, notifications, err := e.DeleteAttributeAndNotify(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"attribute":     attr,
					"notifications": notifications,
				})
			})
		},
	}
	return cmd
}

func attributeViewedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "viewed <attribute-id>",
		Short: "Record the attribute's first display",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attr, err := e.MarkAttributeAsViewed(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(attr)
			})
		},
	}
	return cmd
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notification",
		Short: "Queued and sent notifications",
	}
	n.AddCommand(notificationListCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var peer, status, kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilter{
					Peer:   peer,
					Status: status,
					Kind:   kind,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer address filter")
	cmd.Flags().StringVar(&status, "status", "", "pending or sent")
	cmd.Flags().StringVar(&kind, "kind", "", "attribute_succession or attribute_deletion")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: request transitions, successions, shares, and deletions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key management",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        id.New(id.APIKey),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The secret is shown exactly once; only its hash is stored.
				return printJSONOrTable(map[string]string{
					"id":     key.ID,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := resolveConfig(cmd.Context(), r, workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, nil)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PEERLINK_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Server.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PEERLINK_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Peerlink API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := resolveConfig(ctx, r, workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, nil)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveConfig prefers the config stored in the DB, falls back to the
// workspace import file.
func resolveConfig(ctx context.Context, r repo.Repo, workspace string) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace not initialized; run plk init --address <address> (%w)", err)
	}
	return cfg, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
