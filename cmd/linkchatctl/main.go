package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/linkchat/internal/api"
	"github.com/matheus3301/linkchat/internal/client"
	"github.com/matheus3301/linkchat/internal/contacts"
	"github.com/matheus3301/linkchat/internal/profile"
	"github.com/matheus3301/linkchat/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	socketFlag := flag.String("socket", "", "daemon socket path (default: inside the profile directory)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	decodeFlag := flag.Bool("decode", false, "show message bodies decoded")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = profile.SocketPath(name)
	}
	c, err := client.New(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmdWatch(ctx, c, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o := output{json: *jsonFlag, decode: *decodeFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, o)
	case "contacts":
		cmdContacts(ctx, c, o, args[1:])
	case "chats":
		cmdChats(ctx, c, o)
	case "show":
		need(args, 2, "show <linkKey>")
		resp, err := c.GetConversation(ctx, args[1], o.decode)
		check(err)
		o.conversation(resp)
	case "open":
		need(args, 2, "open <linkKey>")
		resp, err := c.OpenConversation(ctx, args[1], o.decode)
		check(err)
		o.conversation(resp)
	case "close":
		need(args, 2, "close <linkKey>")
		check(c.CloseConversation(ctx, args[1]))
	case "send":
		need(args, 3, "send <linkKey> <text...>")
		resp, err := c.SendText(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		o.conversation(resp)
	case "delete":
		need(args, 3, "delete <linkKey> <messageId...>")
		resp, err := c.DeleteMessages(ctx, args[1], args[2:])
		check(err)
		o.conversation(resp)
	case "drop":
		need(args, 2, "drop <linkKey>")
		check(c.DeleteConversation(ctx, args[1]))
	case "push":
		payload, err := io.ReadAll(os.Stdin)
		check(err)
		resp, err := c.DeliverPush(ctx, payload)
		check(err)
		o.conversation(resp)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: linkchatctl [--profile <name>] [--json] [--decode] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon status")
	fmt.Fprintln(os.Stderr, "  contacts list                   List contacts")
	fmt.Fprintln(os.Stderr, "  contacts add <name> [linkKey]   Add a contact (--key, --link)")
	fmt.Fprintln(os.Stderr, "  contacts delete <linkKey>       Delete a contact and its conversation")
	fmt.Fprintln(os.Stderr, "  contacts qr <linkKey>           Show a contact link as a QR code")
	fmt.Fprintln(os.Stderr, "  chats                           List conversations, newest first")
	fmt.Fprintln(os.Stderr, "  show <linkKey>                  Show a conversation")
	fmt.Fprintln(os.Stderr, "  open <linkKey>                  Focus a conversation and mark it read")
	fmt.Fprintln(os.Stderr, "  close <linkKey>                 Stop viewing a conversation")
	fmt.Fprintln(os.Stderr, "  send <linkKey> <text...>        Send a message")
	fmt.Fprintln(os.Stderr, "  delete <linkKey> <id...>        Delete messages")
	fmt.Fprintln(os.Stderr, "  drop <linkKey>                  Delete a whole conversation")
	fmt.Fprintln(os.Stderr, "  push                            Deliver a push payload read from stdin")
	fmt.Fprintln(os.Stderr, "  watch [prefix...]               Stream daemon events")
}

func cmdStatus(ctx context.Context, c *client.Client, o output) {
	resp, err := c.Status(ctx)
	check(err)
	if o.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:       %s\n", resp.Profile)
	fmt.Printf("Device:        %s\n", resp.DeviceID)
	fmt.Printf("Transport:     %s\n", resp.Transport)
	fmt.Printf("Uptime:        %dms\n", resp.UptimeMs)
	fmt.Printf("Contacts:      %d\n", resp.Contacts)
	fmt.Printf("Conversations: %d\n", resp.Conversations)
	if len(resp.Active) > 0 {
		fmt.Printf("Viewing:       %s\n", strings.Join(resp.Active, ", "))
	}
}

func cmdContacts(ctx context.Context, c *client.Client, o output, args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		resp, err := c.ListContacts(ctx)
		check(err)
		if o.json {
			outputJSON(resp)
			return
		}
		if len(resp.Contacts) == 0 {
			fmt.Println("No contacts.")
			return
		}
		for _, ct := range resp.Contacts {
			fmt.Printf("%-8s %-8s %s\n", ct.LinkKey, ct.LocalKey, ct.DisplayName)
		}
	case "add":
		fs := flag.NewFlagSet("contacts add", flag.ExitOnError)
		link := fs.String("link", "", "contact link (linkchat://contact?...)")
		key := fs.String("key", "", "local key (generated when empty)")
		_ = fs.Parse(args[1:])
		req := &api.AddContactRequest{Link: *link, LocalKey: *key}
		if *link == "" {
			rest := fs.Args()
			if len(rest) == 0 {
				fatalf("usage: linkchatctl contacts add [--key K] <name> [linkKey] | --link <url>")
			}
			req.Name = rest[0]
			if len(rest) > 1 {
				req.LinkKey = rest[1]
			}
		}
		resp, err := c.AddContact(ctx, req)
		check(err)
		if o.json {
			outputJSON(resp)
			return
		}
		fmt.Printf("Added %s (linkKey %s)\n", resp.Contact.DisplayName, resp.Contact.LinkKey)
		fmt.Println(resp.Link)
	case "delete":
		need(args, 2, "contacts delete <linkKey>")
		resp, err := c.DeleteContact(ctx, args[1])
		check(err)
		if o.json {
			outputJSON(resp)
			return
		}
		fmt.Printf("Deleted %s\n", resp.Contact.DisplayName)
	case "qr":
		need(args, 2, "contacts qr <linkKey>")
		resp, err := c.ListContacts(ctx)
		check(err)
		for _, ct := range resp.Contacts {
			if strings.EqualFold(ct.LinkKey, args[1]) {
				l := contacts.Link{Name: ct.DisplayName, Key: ct.LocalKey, LinkKey: ct.LinkKey}
				qr, err := contacts.RenderQR(l)
				check(err)
				fmt.Print(qr)
				fmt.Println(l.String())
				return
			}
		}
		fatalf("no contact with linkKey %q", args[1])
	default:
		fatalf("unknown contacts subcommand: %s", args[0])
	}
}

func cmdChats(ctx context.Context, c *client.Client, o output) {
	resp, err := c.ListConversations(ctx, o.decode)
	check(err)
	if o.json {
		outputJSON(resp)
		return
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, e := range resp.Conversations {
		marks := ""
		if e.Online {
			marks += "*"
		}
		if e.UnreadCount > 0 {
			marks += fmt.Sprintf(" (%d)", e.UnreadCount)
		}
		fmt.Printf("%-8s %-20s %s %s%s\n", e.LinkKey, sanitize(e.Contact.DisplayName), formatTime(e.LastTimestamp), truncate(sanitize(e.LastMessage), 40), marks)
	}
}

func cmdWatch(ctx context.Context, c *client.Client, prefixes []string) {
	w, err := c.WatchEvents(ctx, prefixes...)
	check(err)
	enc := json.NewEncoder(os.Stdout)
	for {
		evt, err := w.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fatalf("%v", err)
		}
		_ = enc.Encode(evt)
	}
}

type output struct {
	json   bool
	decode bool
}

func (o output) conversation(resp *api.ConversationResponse) {
	if o.json {
		outputJSON(resp)
		return
	}
	conv := resp.Conversation
	fmt.Printf("%s  %s", resp.LinkKey, sanitize(conv.Contact.DisplayName))
	if resp.Online {
		fmt.Print("  (online)")
	}
	fmt.Printf("  unread %d\n", conv.UnreadCount)
	for _, m := range conv.Messages {
		printMessage(m)
	}
}

func printMessage(m store.Message) {
	fmt.Printf("  %s  %-24s %-22s %s\n", formatTime(m.CreatedAt), m.ID, sanitize(m.SenderID), sanitize(m.Body))
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "                "
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: linkchatctl %s", usage)
	}
}

func check(err error) {
	if err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
