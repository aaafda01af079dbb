package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pawpal/pawchat"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesJSON bool

	// send
	sendJSON bool

	// start
	startPet  string
	startJSON bool

	// profile set
	profileAvatar string
)

// printJSON writes v as indented JSON.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversations",
	Long:  "List conversations and mark them as read.",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		gw := s.gateway()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := gw.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			unread := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					unread = append(unread, c)
				}
			}
			convs = unread
		}

		if conversationsJSON {
			return printJSON(convs)
		}

		list := pawchat.BuildConversationList(s.cfg.Auth.ViewerID, convs, true, "", nil, time.Now())
		if list.State == pawchat.ListEmpty {
			fmt.Println(pawchat.EmptyListCopy)
			return nil
		}
		for _, row := range list.Rows {
			badge := ""
			if b := row.Badge(); b != "" {
				badge = " (" + b + " unread)"
			}
			pet := ""
			if row.PetContextID != "" {
				pet = " about " + row.PetContextID
			}
			fmt.Printf("%s  %s%s%s\n", row.ID, row.Title, pet, badge)
			fmt.Printf("    %s  %s\n", valueOrDefault(row.RelativeTime, "-"), row.Preview)
		}
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw := getSession().gateway()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := gw.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked as read\n", args[0])
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		gw := s.gateway()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := gw.LoadMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		names := map[string]string{}
		if conv, err := s.client.GetConversation(ctx, s.cfg.Auth.ViewerID, args[0]); err == nil {
			for _, p := range conv.Participants {
				names[p.ID] = p.Name()
			}
		}
		for _, g := range pawchat.GroupByDay(msgs, s.cfg.Auth.ViewerID, names, time.Now(), s.location()) {
			fmt.Printf("-- %s --\n", g.Label)
			for _, b := range g.Bubbles {
				sender := b.SenderName
				if b.Mine {
					sender = "you"
				}
				fmt.Printf("[%s] %s: %s\n", b.Time, sender, b.Content)
			}
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw := getSession().gateway()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := gw.Send(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start <recipient-id> <message>",
	Short: "Message a pet owner, reusing an existing conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw := getSession().gateway()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversationID, err := gw.Start(ctx, pawchat.StartRequest{
			RecipientID:    args[0],
			PetContextID:   startPet,
			InitialMessage: args[1],
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if startJSON {
			conv, _ := gw.Cache().Conversation(conversationID)
			return printJSON(conv)
		}
		fmt.Printf("Message sent to conversation %s\n", conversationID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id...]",
	Short: "Stream conversation and message changes",
	Long:  "Print changes to your conversations, and new messages of the given conversations, until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := s.client.Realtime(pawchat.RealtimeConfig{AutoReconnect: true, MaxReconnectAttempts: -1})
		rt.OnStateChange(func(state pawchat.RealtimeState) {
			fmt.Fprintf(os.Stderr, "* %s\n", state)
		})

		show := func(e pawchat.ChangeEvent) {
			switch {
			case e.Message != nil:
				fmt.Printf("[%s] %s in %s: %s\n", e.Message.CreatedAt.In(s.location()).Format("15:04"), e.Message.SenderID, e.Message.ConversationID, e.Message.Content)
			case e.Conversation != nil:
				fmt.Printf("~ %s %s (%d unread): %s\n", e.Operation, e.Conversation.ID, e.Conversation.UnreadCount, pawchat.TruncatePreview(e.Conversation.LastMessage, pawchat.PreviewLength))
			}
		}

		topics := []string{pawchat.ViewerTopic(s.cfg.Auth.ViewerID)}
		for _, id := range args {
			topics = append(topics, pawchat.ConversationTopic(id))
		}
		for _, topic := range topics {
			unsubscribe, err := rt.Subscribe(ctx, topic, show)
			if err != nil {
				return err
			}
			defer unsubscribe()
		}

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer rt.Disconnect()

		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// profile
// ============================================================================

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show [user-id]",
	Short: "Show a profile, your own by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		id := s.cfg.Auth.ViewerID
		if len(args) == 1 {
			id = args[0]
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p, err := s.client.GetProfile(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("ID:           %s\n", p.ID)
		fmt.Printf("Display Name: %s\n", p.Name())
		fmt.Printf("Avatar:       %s\n", valueOrDefault(p.AvatarURL, "(none)"))
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <display-name>",
	Short: "Set your display name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p, err := s.client.UpdateProfile(ctx, pawchat.UpdateProfileRequest{DisplayName: args[0], AvatarURL: profileAvatar})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Profile updated: %s\n", p.Name())
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")
	startCmd.Flags().StringVar(&startPet, "pet", "", "Pet listing the conversation is about")
	startCmd.Flags().BoolVar(&startJSON, "json", false, "Output JSON")
	profileSetCmd.Flags().StringVar(&profileAvatar, "avatar", "", "Avatar URL")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(profileCmd)
}
