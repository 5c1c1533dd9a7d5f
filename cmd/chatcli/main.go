// Command chatcli is a line-oriented terminal client for the messaging
// service. It drives the synchronization engine the same way an embedding
// UI would: the conversation list, the open conversation log, and typing
// indicators all render from engine snapshots on change notifications.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/toymarket/chatsync/internal/channel"
	"github.com/toymarket/chatsync/internal/conversation"
	"github.com/toymarket/chatsync/internal/engine"
	"github.com/toymarket/chatsync/internal/protocol"
	"github.com/toymarket/chatsync/internal/reconcile"
	"github.com/toymarket/chatsync/internal/registry"
	"github.com/toymarket/chatsync/internal/typing"
)

func main() {
	serverURL := "http://localhost:8080"
	if v := os.Getenv("SERVER_URL"); v != "" {
		serverURL = v
	}
	email := os.Getenv("EMAIL")
	if email == "" {
		log.Fatal("EMAIL is required")
	}
	name := os.Getenv("NAME")
	if name == "" {
		name = email
	}
	token := os.Getenv("TOKEN")

	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/ws"

	api := &restAPI{
		base:   serverURL,
		email:  email,
		name:   name,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	ch := channel.NewManager(channel.DefaultConfig(wsURL))
	eng := engine.New(engine.DefaultConfig(), ch, engine.Collaborators{
		History: api,
		Lister:  api,
		Lookup:  api,
	}, conversation.Identity{Email: email, Name: name})

	eng.OnChange(func() {
		render(eng)
	})

	ctx := context.Background()
	if err := eng.Start(ctx, channel.Credential{Token: token, Email: email, Name: name}); err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer eng.Stop()

	fmt.Printf("connected as %s <%s>\n", name, email)
	fmt.Println("commands: /list, /open <email>, /close, /retry <id>, /quit; anything else sends a message")
	render(eng)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return

		case line == "/list":
			if err := eng.RefreshConversations(ctx); err != nil {
				fmt.Printf("! refresh failed: %v\n", err)
			}
			render(eng)

		case line == "/close":
			eng.CloseConversation()
			render(eng)

		case strings.HasPrefix(line, "/open "):
			counterpart := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			if err := eng.OpenConversationWith(ctx, counterpart); err != nil {
				fmt.Printf("! open failed: %v\n", err)
				continue
			}
			render(eng)

		case strings.HasPrefix(line, "/retry "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if err := eng.Retry(id); err != nil {
				fmt.Printf("! retry failed: %v\n", err)
			}

		default:
			eng.Keystroke()
			if _, err := eng.Send(line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
	}
}

// render prints the conversation list, or the open conversation's log, from
// the engine's current snapshots.
func render(eng *engine.Engine) {
	open := eng.ActiveConversationID()
	if open == "" {
		fmt.Println("--- conversations ---")
		for _, c := range eng.Conversations() {
			marker := " "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			fmt.Printf("  %s %s — %s\n", marker, c.CounterpartName, c.LastMessagePreview)
		}
		return
	}

	fmt.Printf("--- conversation %s ---\n", open)
	for _, m := range eng.ActiveLog() {
		mark := ""
		switch m.State {
		case reconcile.Pending:
			mark = " …"
		case reconcile.Failed:
			mark = fmt.Sprintf(" !failed (/retry %s)", m.TempID)
		}
		fmt.Printf("  [%s] %s: %s%s\n", m.CreatedAt.Format("15:04:05"), m.SenderName, m.Text, mark)
	}
	if state, who := eng.TypingState(); state == typing.Typing {
		fmt.Printf("  %s is typing...\n", who)
	}
}

// restAPI implements the engine's data-access collaborators over the
// server's REST endpoints.
type restAPI struct {
	base   string
	email  string
	name   string
	client *http.Client
}

func (a *restAPI) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// History loads a conversation's confirmed message page.
func (a *restAPI) History(ctx context.Context, conversationID string, limit int) ([]reconcile.Message, error) {
	path := fmt.Sprintf("/api/history?conversationId=%s&limit=%d", url.QueryEscape(conversationID), limit)
	var resp protocol.HistoryResponse
	if err := a.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}

	out := make([]reconcile.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, reconcile.Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderEmail:    m.SenderEmail,
			SenderName:     m.SenderName,
			ClientRef:      m.ClientRef,
			Text:           m.Text,
			CreatedAt:      m.CreatedAt,
			State:          reconcile.Confirmed,
		})
	}
	return out, nil
}

// Conversations loads the user's conversation list.
func (a *restAPI) Conversations(ctx context.Context) ([]registry.Conversation, error) {
	var summaries []protocol.ConversationSummary
	if err := a.getJSON(ctx, "/api/conversations?email="+url.QueryEscape(a.email), &summaries); err != nil {
		return nil, err
	}

	out := make([]registry.Conversation, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, registry.Conversation{
			ID:                 s.ID,
			CounterpartEmail:   s.CounterpartEmail,
			CounterpartName:    s.CounterpartName,
			LastMessagePreview: s.LastMessagePreview,
			LastMessageAt:      s.LastMessageAt,
			UnreadCount:        s.UnreadCount,
		})
	}
	return out, nil
}

// ConversationWith finds or creates the conversation with a counterpart.
func (a *restAPI) ConversationWith(ctx context.Context, counterpartEmail string) (registry.Conversation, error) {
	body, err := json.Marshal(protocol.CreateConversationRequest{
		Email:            a.email,
		Name:             a.name,
		CounterpartEmail: counterpartEmail,
	})
	if err != nil {
		return registry.Conversation{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/conversations", strings.NewReader(string(body)))
	if err != nil {
		return registry.Conversation{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return registry.Conversation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return registry.Conversation{}, fmt.Errorf("api: create conversation returned %s", resp.Status)
	}

	var s protocol.ConversationSummary
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return registry.Conversation{}, err
	}
	return registry.Conversation{
		ID:                 s.ID,
		CounterpartEmail:   s.CounterpartEmail,
		CounterpartName:    s.CounterpartName,
		LastMessagePreview: s.LastMessagePreview,
		LastMessageAt:      s.LastMessageAt,
		UnreadCount:        s.UnreadCount,
	}, nil
}
