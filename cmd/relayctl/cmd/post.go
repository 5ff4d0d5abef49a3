package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/austindbirch/status_relay/internal/api"
	"github.com/austindbirch/status_relay/internal/broadcast"
	"github.com/austindbirch/status_relay/internal/delivery"
	"github.com/austindbirch/status_relay/internal/engagement"
	"github.com/austindbirch/status_relay/internal/recipients"
	"github.com/austindbirch/status_relay/internal/transport"
)

// postCmd represents the post command
var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Submit and manage status posts",
	Long:  `Submit status posts, resend them to more recipients, inspect their engagement and retract them.`,
}

func addRecipientFlags(fs *pflag.FlagSet) {
	fs.String("to", "", "comma separated phone numbers or qualified recipient ids")
	fs.String("list", "", "named recipient list")
	fs.Bool("all-contacts", false, "send to every contact of the session owner")
	fs.Bool("own-device", false, "include the owner's other devices")
}

func recipientSpec(fs *pflag.FlagSet) recipients.Spec {
	to, _ := fs.GetString("to")
	list, _ := fs.GetString("list")
	all, _ := fs.GetBool("all-contacts")
	own, _ := fs.GetBool("own-device")
	return recipients.Spec{Recipients: splitList(to), List: list, AllContacts: all, IncludeOwnDevice: own}
}

func addPayloadFlags(fs *pflag.FlagSet) {
	fs.String("kind", "", "payload kind: text, image, video or audio (inferred when empty)")
	fs.String("text", "", "status text")
	fs.String("media-url", "", "media location for image, video and audio posts")
	fs.String("caption", "", "media caption")
	fs.String("mimetype", "", "media mimetype")
	fs.String("background", "", "background color of a text status, e.g. #1e88e5")
	fs.Int("font", 0, "font of a text status")
}

// payloadFromFlags builds the content of a post. A media URL implies a media
// kind inferred from the mimetype unless --kind says otherwise.
func payloadFromFlags(fs *pflag.FlagSet) (transport.Payload, *transport.Style, error) {
	kind, _ := fs.GetString("kind")
	text, _ := fs.GetString("text")
	media, _ := fs.GetString("media-url")
	caption, _ := fs.GetString("caption")
	mimetype, _ := fs.GetString("mimetype")
	bg, _ := fs.GetString("background")
	font, _ := fs.GetInt("font")

	if kind == "" {
		switch {
		case media == "":
			kind = "text"
		case strings.HasPrefix(mimetype, "video/"):
			kind = "video"
		case strings.HasPrefix(mimetype, "audio/"):
			kind = "audio"
		default:
			kind = "image"
		}
	}

	p := transport.Payload{Kind: kind, Text: text, MediaURL: media, Caption: caption, Mimetype: mimetype}
	if err := p.Validate(); err != nil {
		return transport.Payload{}, nil, err
	}

	var style *transport.Style
	if bg != "" || font != 0 {
		style = &transport.Style{BackgroundColor: bg, Font: font}
	}
	return p, style, nil
}

func printSummary(w io.Writer, s delivery.Summary) {
	fmt.Fprintf(w, "  Job: %s (%s)\n", s.JobID, s.Status)
	fmt.Fprintf(w, "  Sent: %d/%d in %d attempt(s)\n", s.Sent, s.Total, s.Attempts)
	if s.Failed > 0 {
		fmt.Fprintf(w, "  Failed recipients: %s\n", strings.Join(s.FailedRecipients, ", "))
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  Last error: %s\n", s.Error)
	}
}

func printDropped(w io.Writer, dropped []recipients.Dropped) {
	for _, d := range dropped {
		fmt.Fprintf(w, "  Dropped %q: %s\n", d.Input, d.Reason)
	}
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new status post",
	Long: `Send new status content to the resolved recipients. A post is created once
at least one recipient was reached.

Examples:
  relayctl post submit --session s1 --text "hello" --all-contacts
  relayctl post submit --session s1 --media-url https://cdn/x.jpg --caption hi --to 15551234567,15557654321`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		payload, style, err := payloadFromFlags(cmd.Flags())
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}

		ctx, cancel := requestContext()
		defer cancel()

		var sub broadcast.Submission
		req := api.SubmitRequest{Payload: payload, Style: style, To: recipientSpec(cmd.Flags())}
		if err := doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(session)+"/posts", req, &sub); err != nil {
			return fmt.Errorf("failed to submit post: %w", err)
		}

		printOutput(cmd.OutOrStdout(), sub, func(w io.Writer) {
			fmt.Fprintf(w, "Post %s created\n", sub.PostID)
			fmt.Fprintf(w, "  Message ID: %s\n", sub.MessageID)
			printSummary(w, sub.Summary)
			printDropped(w, sub.Dropped)
		})
		return nil
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend [post-id]",
	Short: "Send an existing post to more recipients",
	Long: `Send an existing post to more recipients, reusing its original message identifier.

Example:
  relayctl post resend 6f1c... --to 15550001111`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var res broadcast.Resent
		req := api.ResendRequest{To: recipientSpec(cmd.Flags())}
		if err := doJSON(ctx, http.MethodPost, "/v1/posts/"+url.PathEscape(args[0])+"/resend", req, &res); err != nil {
			return fmt.Errorf("failed to resend post: %w", err)
		}

		printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "Post %s resent\n", res.PostID)
			fmt.Fprintf(w, "  Message ID: %s (reused: %v)\n", res.MessageID, res.Reused)
			printSummary(w, res.Summary)
			printDropped(w, res.Dropped)
		})
		return nil
	},
}

var getPostCmd = &cobra.Command{
	Use:   "get [post-id]",
	Short: "Show a post and its sends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var p broadcast.Post
		if err := doJSON(ctx, http.MethodGet, "/v1/posts/"+url.PathEscape(args[0]), nil, &p); err != nil {
			return fmt.Errorf("failed to get post: %w", err)
		}
		printOutput(cmd.OutOrStdout(), p, func(w io.Writer) { printPost(w, p) })
		return nil
	},
}

func printPost(w io.Writer, p broadcast.Post) {
	fmt.Fprintf(w, "Post %s (session %s)\n", p.ID, p.SessionID)
	fmt.Fprintf(w, "  Kind: %s\n", p.Payload.Kind)
	fmt.Fprintf(w, "  Created: %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Message IDs: %s\n", strings.Join(p.MessageIDs, ", "))
	for i, s := range p.Sends {
		fmt.Fprintf(w, "  Send %d: %s to %d recipient(s)\n", i+1, s.MessageID, len(s.Recipients))
	}
	if !p.HistoricalSyncedAt.IsZero() {
		fmt.Fprintf(w, "  Historical sync: %s\n", p.HistoricalSyncedAt.Format("2006-01-02 15:04:05"))
	}
}

var listPostsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the posts of a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		var out struct {
			Posts []broadcast.Post `json:"posts"`
		}
		if err := doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(session)+"/posts", nil, &out); err != nil {
			return fmt.Errorf("failed to list posts: %w", err)
		}

		printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
			if len(out.Posts) == 0 {
				fmt.Fprintln(w, "No posts found")
				return
			}
			for _, p := range out.Posts {
				fmt.Fprintf(w, "%s  %s  %-5s  %d send(s)\n", p.ID, p.CreatedAt.Format("2006-01-02 15:04:05"), p.Payload.Kind, len(p.Sends))
			}
		})
		return nil
	},
}

var deletePostCmd = &cobra.Command{
	Use:   "delete [post-id]",
	Short: "Retract a post and forget its engagement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		if err := doJSON(ctx, http.MethodDelete, "/v1/posts/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return fmt.Errorf("failed to delete post: %w", err)
		}
		printOutput(cmd.OutOrStdout(), map[string]string{"deleted": args[0]}, func(w io.Writer) {
			fmt.Fprintf(w, "Post %s deleted\n", args[0])
		})
		return nil
	},
}

var engagementCmd = &cobra.Command{
	Use:   "engagement [post-id]",
	Short: "Show the merged engagement of a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var view engagement.PostView
		if err := doJSON(ctx, http.MethodGet, "/v1/posts/"+url.PathEscape(args[0])+"/engagement", nil, &view); err != nil {
			return fmt.Errorf("failed to get engagement: %w", err)
		}
		printOutput(cmd.OutOrStdout(), view, func(w io.Writer) { printEngagement(w, view) })
		return nil
	},
}

func printEngagement(w io.Writer, v engagement.PostView) {
	t := v.Totals
	fmt.Fprintf(w, "Engagement for post %s (%s)\n", v.PostID, v.Completeness)
	fmt.Fprintf(w, "  Delivered: %d  Viewed: %d  Played: %d\n", t.Delivered, t.Viewed, t.Played)
	fmt.Fprintf(w, "  Liked: %d  Reacted: %d  Replies: %d\n", t.Liked, t.Reacted, t.Replies)
	for _, p := range v.Participants {
		line := "  " + p.ID
		if !p.ViewedAt.IsZero() {
			line += " viewed " + p.ViewedAt.Format("15:04:05")
		}
		if p.Reaction != "" {
			line += " reacted " + p.Reaction
		}
		if len(p.Replies) > 0 {
			line += fmt.Sprintf(" replied %dx", len(p.Replies))
		}
		fmt.Fprintln(w, line)
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync [post-id]",
	Short: "Fetch historical receipts for a post",
	Long: `Fetch historical receipts for a post from the transport and merge them into its
engagement. A post is synced once unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		force, _ := cmd.Flags().GetBool("force")

		ctx, cancel := requestContext()
		defer cancel()

		var res api.SyncResponse
		req := api.SyncRequest{Count: count, Force: force}
		if err := doJSON(ctx, http.MethodPost, "/v1/posts/"+url.PathEscape(args[0])+"/sync", req, &res); err != nil {
			return fmt.Errorf("failed to sync post: %w", err)
		}

		printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			if res.Skipped {
				fmt.Fprintf(w, "Post %s already synced (use --force to fetch again)\n", res.PostID)
				return
			}
			fmt.Fprintf(w, "Post %s synced: %d receipt(s) merged (%s)\n", res.PostID, res.Merged, res.Complete)
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(postCmd)
	postCmd.AddCommand(submitCmd, resendCmd, getPostCmd, listPostsCmd, deletePostCmd, engagementCmd, syncCmd)

	addRecipientFlags(submitCmd.Flags())
	addPayloadFlags(submitCmd.Flags())

	addRecipientFlags(resendCmd.Flags())

	syncCmd.Flags().Int("count", 0, "receipts to request (relay default when 0)")
	syncCmd.Flags().Bool("force", false, "fetch again even if the post was already synced")
}
