package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "connect":
		resp, err := c.Connect(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("State: %s\n", resp.State)
	case "logout":
		if err := c.Logout(ctx); err != nil {
			fail(err)
		}
		fmt.Println("Logged out.")
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: courierctl send <to> <text...>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl messages <peer> [limit]")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1], optInt(args, 2), *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "failed":
		cmdFailed(ctx, c, *jsonFlag)
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl retry <message-id>")
			os.Exit(1)
		}
		if err := c.Retry(ctx, args[1]); err != nil {
			fail(err)
		}
		fmt.Printf("Requeued %s\n", args[1])
	case "stats":
		cmdStats(ctx, c, *jsonFlag)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl read <conversation-id>")
			os.Exit(1)
		}
		n, err := c.MarkRead(ctx, args[1])
		if err != nil {
			fail(err)
		}
		fmt.Printf("Marked %d message(s) read\n", n)
	case "presence":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl presence <user>")
			os.Exit(1)
		}
		cmdPresence(ctx, c, args[1], *jsonFlag)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl search <query>")
			os.Exit(1)
		}
		cmdSearch(ctx, c, strings.Join(args[1:], " "), *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show relay connection status")
	fmt.Fprintln(os.Stderr, "  connect                Connect to the relay now")
	fmt.Fprintln(os.Stderr, "  logout                 Close the relay session")
	fmt.Fprintln(os.Stderr, "  send <to> <text>       Queue a text message")
	fmt.Fprintln(os.Stderr, "  messages <peer> [n]    Show the last n messages with peer")
	fmt.Fprintln(os.Stderr, "  conversations          List conversations")
	fmt.Fprintln(os.Stderr, "  failed                 List messages that exhausted their retries")
	fmt.Fprintln(os.Stderr, "  retry <id>             Requeue a failed message")
	fmt.Fprintln(os.Stderr, "  stats                  Show queue statistics")
	fmt.Fprintln(os.Stderr, "  read <conversation>    Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  presence <user>        Show whether a user is online")
	fmt.Fprintln(os.Stderr, "  search <query>         Search local messages")
	fmt.Fprintln(os.Stderr, "  watch [prefix]         Stream daemon events")
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.SessionStatus(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile: %s\n", resp.Profile)
	fmt.Printf("User:    %s\n", resp.Self)
	fmt.Printf("Relay:   %s\n", resp.RelayURL)
	fmt.Printf("State:   %s\n", resp.State)
}

func cmdSend(ctx context.Context, c *api.Client, to, text string, jsonOut bool) {
	resp, err := c.SendText(ctx, &api.SendTextRequest{To: to, Body: text})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if !resp.Accepted {
		fmt.Printf("%s already queued (%s)\n", resp.Message.ID, resp.Message.Status)
		return
	}
	fmt.Printf("Queued %s\n", resp.Message.ID)
}

func cmdMessages(ctx context.Context, c *api.Client, peer string, limit int, jsonOut bool) {
	resp, err := c.ListMessages(ctx, &api.ListMessagesRequest{Peer: peer, Limit: limit})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		printMessage(m)
	}
	if resp.HasMore {
		fmt.Println("(older messages available)")
	}
}

func cmdConversations(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.ListConversations(ctx, &api.ListConversationsRequest{})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range resp.Conversations {
		fmt.Printf("%-20s %3d unread  %s  %s\n", conv.Peer, conv.Unread, conv.ID, truncate(conv.LastMessage.Body, 40))
	}
}

func cmdFailed(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.ListFailed(ctx, &api.ListFailedRequest{})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No failed messages.")
		return
	}
	for _, m := range resp.Messages {
		fmt.Printf("%s  to %-16s retries=%d class=%s  %s\n", m.ID, m.RecipientID, m.RetryCount, m.ErrorClass, m.LastError)
	}
}

func cmdStats(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.QueueStats(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued:  %d\n", resp.Size)
	fmt.Printf("Active:  %d\n", resp.Active)
	fmt.Printf("Errors:  %d\n", resp.Errors)
	fmt.Printf("Paused:  %v\n", resp.Paused)
	for _, s := range []model.Status{model.StatusPending, model.StatusSending, model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusFailed} {
		fmt.Printf("  %-10s %d\n", s, resp.Counts[s])
	}
}

func cmdPresence(ctx context.Context, c *api.Client, user string, jsonOut bool) {
	p, err := c.Presence(ctx, user)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(p)
		return
	}
	switch {
	case p.Online:
		fmt.Printf("%s is online\n", user)
	case p.LastSeen != nil:
		fmt.Printf("%s was last seen %s\n", user, p.LastSeen.Local().Format(time.RFC1123))
	default:
		fmt.Printf("%s is offline\n", user)
	}
}

func cmdSearch(ctx context.Context, c *api.Client, query string, jsonOut bool) {
	resp, err := c.Search(ctx, &api.SearchRequest{Query: query})
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, r := range resp.Results {
		fmt.Printf("%s  %s -> %s  %s\n", r.Message.CreatedAt.Local().Format("2006-01-02 15:04"), r.Message.SenderID, r.Message.RecipientID, r.Snippet)
	}
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.Watch(ctx, prefix)
	if err != nil {
		fail(err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
		}
		if jsonOut {
			outputJSON(evt)
			continue
		}
		fmt.Printf("%s %-28s %s\n", evt.Timestamp.Local().Format("15:04:05.000"), evt.Kind, evt.Payload)
	}
}

func printMessage(m api.Message) {
	line := fmt.Sprintf("%s %-12s %-9s %s", m.CreatedAt.Local().Format("01-02 15:04"), m.SenderID, m.Status, m.Body)
	if m.Status == model.StatusFailed && m.LastError != "" {
		line += "  [" + m.LastError + "]"
	}
	fmt.Println(line)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func optInt(args []string, i int) int {
	if len(args) <= i {
		return 0
	}
	n, _ := strconv.Atoi(args[i])
	return n
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
