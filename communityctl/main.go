package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"snowedin.community/community"
)

const CommunityCtlVersion = "0.1.0"

const defaultRelayUrl = "ws://localhost:8765/gun"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Snowed In community control.

Talks to a community relay (or Redis substrate) and drives the shared
feed, the resident directory and direct messages from the terminal.
The observer unit literal opens a read-only session.

Usage:
    communityctl login --name=<name> --unit=<unit> [--password=<password>]
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl logout
    communityctl feed [--wait=<wait>]
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl post --image=<image_file> [--caption=<caption>]
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl like --post=<post_id>
        [--wait=<wait>] [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl comment --post=<post_id> <text>
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl residents [<query>] [--wait=<wait>]
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl send --to=<user_id> [<message>]
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl chat --with=<user_id> [--follow] [--wait=<wait>]
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl avatar --image=<image_file>
        [--relay=<relay_url> | --redis=<redis_addr>]
    communityctl reply --message=<message> --neighbor=<name> --unit=<unit>
        [--api_key=<api_key>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --name=<name>              Your full name.
    --unit=<unit>              Compact unit number, e.g. 3302.
    --password=<password>      Prompted when omitted.
    --relay=<relay_url>        Relay websocket url [default: ` + defaultRelayUrl + `].
    --redis=<redis_addr>       Use a Redis substrate at this address.
    --wait=<wait>              Seconds to wait for sync [default: 2].
    --image=<image_file>       Local image file.
    --caption=<caption>        Post caption.
    --post=<post_id>           Post id.
    --to=<user_id>             Recipient user id.
    --with=<user_id>           Chat peer user id.
    --follow                   Keep following the chat.
    --message=<message>        Message to reply to.
    --neighbor=<name>          Neighbor name for the drafted reply.
    --api_key=<api_key>        Text generation api key (or REPLY_API_KEY).`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CommunityCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	} else if feed_, _ := opts.Bool("feed"); feed_ {
		feed(opts)
	} else if post_, _ := opts.Bool("post"); post_ {
		post(opts)
	} else if like_, _ := opts.Bool("like"); like_ {
		like(opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		comment(opts)
	} else if residents_, _ := opts.Bool("residents"); residents_ {
		residents(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if chat_, _ := opts.Bool("chat"); chat_ {
		chat(opts)
	} else if avatar_, _ := opts.Bool("avatar"); avatar_ {
		avatar(opts)
	} else if reply_, _ := opts.Bool("reply"); reply_ {
		reply(opts)
	}
}

func openStore(ctx context.Context, opts docopt.Opts) community.ReplicatedStore {
	if redisAddr, err := opts.String("--redis"); err == nil && redisAddr != "" {
		return community.NewRedisStore(ctx, redisAddr, "", 0)
	}
	relayUrl, _ := opts.String("--relay")
	if relayUrl == "" {
		relayUrl = defaultRelayUrl
	}
	return community.NewRelayStoreWithDefaults(ctx, relayUrl)
}

func syncWait(opts docopt.Opts) time.Duration {
	if wait, err := opts.Float64("--wait"); err == nil && 0 < wait {
		return time.Duration(wait * float64(time.Second))
	}
	return 2 * time.Second
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	dir := filepath.Join(home, ".config", "communityctl")
	os.MkdirAll(dir, 0o700)
	return dir
}

func localSecret() []byte {
	secretPath := filepath.Join(configDir(), "secret")
	if secretHex, err := os.ReadFile(secretPath); err == nil {
		if secret, err := hex.DecodeString(strings.TrimSpace(string(secretHex))); err == nil && 0 < len(secret) {
			return secret
		}
	}
	secret := make([]byte, 32)
	rand.Read(secret)
	os.WriteFile(secretPath, []byte(hex.EncodeToString(secret)), 0o600)
	return secret
}

func sessionPath() string {
	return filepath.Join(configDir(), "session")
}

func resumeSession(ctx context.Context, sessions *community.SessionManager) *community.Session {
	tokenBytes, err := os.ReadFile(sessionPath())
	if err != nil {
		Err.Fatalf("Not logged in. Run communityctl login first.")
	}
	session, err := sessions.Resume(ctx, strings.TrimSpace(string(tokenBytes)), localSecret())
	if err != nil {
		Err.Fatalf("Could not resume session: %s", err)
	}
	return session
}

func login(opts docopt.Opts) {
	name, _ := opts.String("--name")
	unit, _ := opts.String("--unit")
	password, err := opts.String("--password")
	if err != nil || password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read password: %s", err)
		}
		password = string(passwordBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)

	authCtx, authCancel := context.WithTimeout(ctx, 15*time.Second)
	defer authCancel()
	session, err := sessions.Authenticate(authCtx, name, password, unit)
	if err != nil {
		Err.Fatalf("Login failed: %s", err)
	}

	token, err := community.NewResumeToken(session, localSecret())
	if err != nil {
		Err.Fatalf("Could not issue session token: %s", err)
	}
	if err := os.WriteFile(sessionPath(), []byte(token), 0o600); err != nil {
		Err.Fatalf("Could not save session: %s", err)
	}

	// let queued registration writes reach the relay
	time.Sleep(1 * time.Second)

	switch session.Kind {
	case community.SessionObserver:
		Out.Printf("Observing as %s. Read-only.", session.User.Name)
	default:
		Out.Printf("Welcome %s (%s). Your id is %s.", session.User.Name, session.User.Unit, session.User.Id)
	}
}

func logout(opts docopt.Opts) {
	os.Remove(sessionPath())
	Out.Printf("Logged out.")
}

func feed(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)

	feedSync := community.NewFeedSync(ctx, store, sessions)
	defer feedSync.Close()
	time.Sleep(syncWait(opts))

	posts := feedSync.Posts()
	if len(posts) == 0 {
		Out.Printf("The feed is clear. Share a moment!")
		return
	}
	for _, p := range posts {
		when := time.UnixMilli(p.Timestamp).Format("Jan 2 15:04")
		Out.Printf("%s  %s (%s)", p.Id, p.UserName, p.UserUnit)
		Out.Printf("    %s  likes=%d comments=%d  %s", p.Caption, p.Likes, len(p.Comments), when)
		for _, c := range p.Comments {
			Out.Printf("      %s: %s", c.UserName, c.Text)
		}
	}
}

func post(opts docopt.Opts) {
	imageFile, _ := opts.String("--image")
	caption, _ := opts.String("--caption")

	data, err := os.ReadFile(imageFile)
	if err != nil {
		Err.Fatalf("Could not read image: %s", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(imageFile))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)
	resumeSession(ctx, sessions)

	feedSync := community.NewFeedSync(ctx, store, sessions)
	defer feedSync.Close()

	if err := feedSync.CreatePost(community.DataUri(contentType, data), caption); err != nil {
		Err.Fatalf("Post rejected: %s", err)
	}
	time.Sleep(1 * time.Second)
	Out.Printf("Posted to the complex feed.")
}

func like(opts docopt.Opts) {
	postId, _ := opts.String("--post")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)
	resumeSession(ctx, sessions)

	feedSync := community.NewFeedSync(ctx, store, sessions)
	defer feedSync.Close()
	time.Sleep(syncWait(opts))

	if err := feedSync.ToggleLike(postId); err != nil {
		Err.Fatalf("Like rejected: %s", err)
	}
	time.Sleep(1 * time.Second)
	Out.Printf("Toggled.")
}

func comment(opts docopt.Opts) {
	postId, _ := opts.String("--post")
	text, _ := opts.String("<text>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)
	resumeSession(ctx, sessions)

	feedSync := community.NewFeedSync(ctx, store, sessions)
	defer feedSync.Close()

	commentCtx, commentCancel := context.WithTimeout(ctx, 15*time.Second)
	defer commentCancel()
	if err := feedSync.AddComment(commentCtx, postId, text); err != nil {
		Err.Fatalf("Comment rejected: %s", err)
	}
	time.Sleep(1 * time.Second)
	Out.Printf("Commented.")
}

func residents(opts docopt.Opts) {
	query, _ := opts.String("<query>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()

	directory := community.NewDirectorySync(ctx, store)
	defer directory.Close()
	time.Sleep(syncWait(opts))

	users := directory.Search(query, "")
	if len(users) == 0 {
		Out.Printf("No residents found.")
		return
	}
	for _, u := range users {
		Out.Printf("%s  %s (%s)", u.Id, u.Name, u.Unit)
	}
}

func send(opts docopt.Opts) {
	peerId, _ := opts.String("--to")
	message, _ := opts.String("<message>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)
	resumeSession(ctx, sessions)

	chatSync, err := community.NewChatSync(ctx, store, sessions, peerId)
	if err != nil {
		Err.Fatalf("Could not open chat: %s", err)
	}
	defer chatSync.Close()

	if err := chatSync.SendMessage(message); err != nil {
		Err.Fatalf("Send rejected: %s", err)
	}
	time.Sleep(1 * time.Second)
	Out.Printf("Sent.")
}

func chat(opts docopt.Opts) {
	peerId, _ := opts.String("--with")
	follow, _ := opts.Bool("--follow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)
	session := resumeSession(ctx, sessions)

	chatSync, err := community.NewChatSync(ctx, store, sessions, peerId)
	if err != nil {
		Err.Fatalf("Could not open chat: %s", err)
	}
	defer chatSync.Close()

	printed := map[string]bool{}
	printNew := func() {
		for _, m := range chatSync.Messages() {
			if printed[m.Id] {
				continue
			}
			printed[m.Id] = true
			who := "them"
			if m.SenderId == session.UserId() {
				who = "me"
			}
			when := time.UnixMilli(m.Timestamp).Format("15:04")
			Out.Printf("[%s] %s: %s", when, who, m.Text)
		}
	}

	time.Sleep(syncWait(opts))
	printNew()

	if follow {
		callback := community.ChatChangeFunction(printNew)
		chatSync.AddChangeCallback(&callback)
		select {}
	}
}

func avatar(opts docopt.Opts) {
	imageFile, _ := opts.String("--image")

	data, err := os.ReadFile(imageFile)
	if err != nil {
		Err.Fatalf("Could not read image: %s", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(imageFile))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(ctx, opts)
	defer store.Close()
	sessions := community.NewSessionManager(store)
	resumeSession(ctx, sessions)

	if err := sessions.UpdateAvatar(community.DataUri(contentType, data)); err != nil {
		Err.Fatalf("Avatar update rejected: %s", err)
	}
	time.Sleep(1 * time.Second)
	Out.Printf("Avatar updated.")
}

func reply(opts docopt.Opts) {
	message, _ := opts.String("--message")
	neighbor, _ := opts.String("--neighbor")
	unit, _ := opts.String("--unit")
	apiKey, _ := opts.String("--api_key")
	if apiKey == "" {
		apiKey = os.Getenv("REPLY_API_KEY")
	}

	settings := community.DefaultReplySettings()
	settings.ApiKey = apiKey
	client := community.NewReplyClient(settings)

	ctx, cancel := context.WithTimeout(context.Background(), settings.Timeout)
	defer cancel()
	Out.Printf("%s", client.NeighborReply(ctx, message, neighbor, unit))
}
