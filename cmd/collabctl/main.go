package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"knowtis/collab/internal/auth"
	"knowtis/collab/internal/broadcast"
	"knowtis/collab/internal/crdt"
	"knowtis/collab/internal/localstore"
	"knowtis/collab/internal/logger"
	"knowtis/collab/internal/protocol"
	"knowtis/collab/internal/syncclient"
	"knowtis/collab/internal/util"
	"knowtis/collab/internal/wsclient"
)

const CollabCtlVersion = "0.1.0"

var Out *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
}

func main() {
	usage := `Collaboration control.

Usage:
    collabctl token --user=<user_id> [--email=<email>] [--secret=<secret>] [--ttl=<minutes>]
    collabctl tail <note_id> [--url=<url>] [--token=<token>] [--name=<name>]
    collabctl append <note_id> <text> [--url=<url>] [--token=<token>] [--name=<name>]
        [--local=<path>] [--redis=<redis_url>] [--wait=<seconds>]
    collabctl -h | --help
    collabctl --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --user=<user_id>       Subject of the issued token.
    --email=<email>        Email claim [default: dev@knowtis.local].
    --secret=<secret>      Signing secret [default: knowtis-dev-secret].
    --ttl=<minutes>        Token lifetime [default: 60].
    --url=<url>            Collaboration endpoint [default: ws://localhost:3333/collaboration].
    --token=<token>        Bearer token; anonymous when omitted.
    --name=<name>          Display name [default: collabctl].
    --local=<path>         Local update log [default: collabctl.db].
    --redis=<redis_url>    Share edits with other local clients over Redis.
    --wait=<seconds>       Time to stay joined after the edit [default: 3].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}
	logger.Init(os.Getenv("LOGGING_LEVEL"), "CONSOLE")

	if token_, _ := opts.Bool("token"); token_ {
		issueToken(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		appendText(opts)
	}
}

func issueToken(opts docopt.Opts) {
	userID, _ := opts.String("--user")
	email, _ := opts.String("--email")
	secret, _ := opts.String("--secret")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := strconv.Atoi(ttlStr)
	if err != nil || ttl <= 0 {
		fail("invalid --ttl %q", ttlStr)
	}
	token, err := auth.IssueToken([]byte(secret), auth.Claims{UserID: userID, Email: email}, time.Duration(ttl)*time.Minute)
	if err != nil {
		fail("issue token: %v", err)
	}
	Out.Print(token)
}

// session is one note opened through the client stack.
type session struct {
	coord   *syncclient.Coordinator
	client  *wsclient.Client
	handle  *syncclient.Handle
	initial chan struct{}
	cleanup []func()
}

func open(opts docopt.Opts, noteID string, store *localstore.Store, bridge *broadcast.Bridge) *session {
	url, _ := opts.String("--url")
	token, _ := opts.String("--token")
	name, _ := opts.String("--name")

	s := &session{initial: make(chan struct{}, 1)}
	s.coord = syncclient.New(syncclient.Options{
		User:   protocol.UserInfo{DisplayName: name, Color: "#2563eb"},
		Store:  store,
		Bridge: bridge,
		Logger: logger.For("sync"),
		OnError: func(p protocol.ErrorPayload) {
			Out.Printf("error: %s", p)
		},
	})
	handlers := s.coord.Handlers()
	onInitial := handlers.OnInitialState
	handlers.OnInitialState = func(p protocol.InitialStatePayload) {
		onInitial(p)
		select {
		case s.initial <- struct{}{}:
		default:
		}
	}
	s.client = wsclient.New(url, token, handlers, wsclient.Options{Logger: logger.For("socket")})
	s.coord.SetServer(s.client)

	handle, err := s.coord.Acquire(noteID)
	if err != nil {
		fail("open note: %v", err)
	}
	s.handle = handle
	<-handle.Synced()
	<-handle.Ready()

	if err := s.client.Connect(context.Background()); err != nil {
		fail("%v", err)
	}
	if err := s.coord.Connect(noteID); err != nil {
		fail("join: %v", err)
	}
	select {
	case <-s.initial:
	case <-time.After(10 * time.Second):
		fail("no initial state for %s", noteID)
	}
	return s
}

func (s *session) close() {
	s.handle.Release()
	if err := s.client.Disconnect(); err != nil {
		zap.S().Debugw("disconnect", "error", err)
	}
	s.coord.Close()
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func tail(opts docopt.Opts) {
	noteID, _ := opts.String("<note_id>")
	s := open(opts, noteID, nil, nil)
	defer s.close()

	Out.Print(s.handle.Text().String())
	changed := make(chan struct{}, 1)
	unsubscribe := s.handle.OnUpdate(func(_ []byte, _ crdt.Origin) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-changed:
			Out.Printf("--- %s\n%s", time.Now().Format(time.TimeOnly), s.handle.Text().String())
		case <-sigCh:
			return
		}
	}
}

func appendText(opts docopt.Opts) {
	noteID, _ := opts.String("<note_id>")
	text, _ := opts.String("<text>")
	localPath, _ := opts.String("--local")
	waitStr, _ := opts.String("--wait")
	wait, err := strconv.Atoi(waitStr)
	if err != nil || wait < 0 {
		fail("invalid --wait %q", waitStr)
	}

	store, err := localstore.Open(localPath)
	if err != nil {
		fail("%v", err)
	}
	var cleanup []func()
	cleanup = append(cleanup, func() { _ = store.Close() })

	var bridge *broadcast.Bridge
	if redisURL, _ := opts.String("--redis"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			fail("invalid --redis: %v", err)
		}
		client := redis.NewClient(redisOpts)
		cleanup = append(cleanup, func() { _ = client.Close() })
		channel := broadcast.NewRedisChannel(client, util.NewID("cli"), logger.For("broadcast"))
		cleanup = append(cleanup, func() { _ = channel.Close() })
		bridge, err = broadcast.NewBridge(channel, broadcast.BridgeOptions{Logger: logger.For("bridge")})
		if err != nil {
			fail("broadcast: %v", err)
		}
		cleanup = append(cleanup, bridge.Close)
	}

	s := open(opts, noteID, store, bridge)
	s.cleanup = cleanup
	defer s.close()

	body := s.handle.Text()
	if err := body.Insert(body.Len(), text); err != nil {
		fail("append: %v", err)
	}
	time.Sleep(time.Duration(wait) * time.Second)
	Out.Print(body.String())
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
