package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	fleetsync "github.com/scbc-app/fleetsync"
	"github.com/scbc-app/fleetsync/internal"
	"github.com/scbc-app/fleetsync/pubsub"
	"github.com/scbc-app/fleetsync/store"
	"github.com/scbc-app/fleetsync/transport"
)

var (
	flagServer = flag.String("server", "", "Base URL of the remote sync service")
	flagBind   = flag.String("port", ":8070", "Bind address for the local status API")
	flagData   = flag.String("data", "./fleetsync-data", "Directory for the on-device store")
)

func main() {
	flag.Parse()
	if *flagServer == "" {
		flag.Usage()
		os.Exit(1)
	}

	if dsn := os.Getenv("FLEETSYNC_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			os.Stderr.WriteString("failed to initialise sentry: " + err.Error() + "\n")
			os.Exit(1)
		}
	}

	kv, err := store.OpenBadger(*flagData)
	if err != nil {
		os.Stderr.WriteString("failed to open device store: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer kv.Close()

	client := &transport.HTTPClient{
		Client:  &http.Client{Timeout: 30 * time.Second},
		BaseURL: *flagServer,
	}

	engine := fleetsync.NewEngine(kv, client, pubsub.NewPubSub(64), internal.SystemClock{})
	engine.Start()
	defer engine.Stop()

	fleetsync.RunStatusServer(engine, *flagBind)
}
