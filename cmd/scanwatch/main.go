// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/DCSO/scanwatch/aisummary"
	"github.com/DCSO/scanwatch/archive"
	"github.com/DCSO/scanwatch/config"
	"github.com/DCSO/scanwatch/feed"
	"github.com/DCSO/scanwatch/gateway"
	"github.com/DCSO/scanwatch/history"
	"github.com/DCSO/scanwatch/historydb"
	"github.com/DCSO/scanwatch/indicator"
	"github.com/DCSO/scanwatch/investigation"

	"github.com/NeowayLabs/wabbit"
	"github.com/NeowayLabs/wabbit/amqp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// localUser owns the history kept in the local database when no backend
// account is configured.
const localUser = "local"

var (
	// amqpDial connects the verdict feed publisher.
	amqpDial = func(url string) (wabbit.Conn, string, error) {
		c, err := amqp.Dial(url)
		if err != nil {
			return nil, "", err
		}
		return c, "fanout", nil
	}
	// consumerDial connects the -follow consumer.
	consumerDial = func(url string) (wabbit.Conn, error) {
		c, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	// exchangeType must match what amqpDial declares.
	exchangeType = "fanout"
)

type options struct {
	configFile   string
	file         string
	url          string
	lookup       string
	kind         string
	socket       string
	showHistory  bool
	clearHistory bool
	follow       bool
	ai           bool
	asJSON       bool
	dummy        bool
	verbose      bool
	logJSON      bool
}

// configPath finds the -config argument before the full flag set exists.
func configPath(args []string) string {
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// parseFlags loads the config file, if any, and lets explicit flags
// override its values.
func parseFlags(args []string, stderr io.Writer) (*config.Config, *options, []string, error) {
	cfg := config.Default()
	if path := configPath(args); path != "" {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	sw := &cfg.Scanwatch
	o := &options{}

	fs := flag.NewFlagSet("scanwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&o.file, "file", "", "File to upload for analysis")
	fs.StringVar(&o.url, "url", "", "URL to submit for analysis")
	fs.StringVar(&o.lookup, "lookup", "", "Hash, domain or IP address to look up")
	fs.StringVar(&o.kind, "kind", "", "Kind of the -lookup value (hash, domain, ip), guessed if empty")
	fs.StringVar(&o.socket, "socket", "", "Accept JSON investigation requests on this Unix socket")
	fs.BoolVar(&o.showHistory, "history", false, "Print the scan history")
	fs.BoolVar(&o.clearHistory, "clear-history", false, "Delete the scan history")
	fs.BoolVar(&o.follow, "follow", false, "Print verdicts published on the AMQP feed")
	fs.BoolVar(&o.ai, "ai", false, "Request an AI explanation of the final report")
	fs.BoolVar(&o.asJSON, "json", false, "JSON output")
	fs.BoolVar(&o.dummy, "dummy", false, "Log verdicts instead of publishing them to AMQP")
	fs.BoolVar(&o.verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&o.logJSON, "logjson", sw.Logging.JSON, "JSON log output")

	fs.StringVar(&sw.Backend.URL, "backend", sw.Backend.URL, "Base URL of the dashboard backend")
	fs.DurationVar(&sw.Backend.Timeout, "timeout", sw.Backend.Timeout, "Timeout for backend requests")
	fs.StringVar(&sw.Backend.Email, "email", sw.Backend.Email, "E-mail of the submitting user")
	fs.StringVar(&sw.Backend.FullName, "name", sw.Backend.FullName, "Full name of the submitting user")
	fs.StringVar(&sw.Backend.Token, "token", sw.Backend.Token, "Bearer token for AI analysis")
	fs.DurationVar(&sw.Polling.Interval, "interval", sw.Polling.Interval, "Delay between status requests")
	fs.IntVar(&sw.Polling.MaxAttempts, "maxattempts", sw.Polling.MaxAttempts, "Maximum number of status requests")
	fs.BoolVar(&sw.Polling.TolerateUnknown, "tolerate-unknown", sw.Polling.TolerateUnknown, "Keep polling on unknown statuses")
	fs.IntVar(&sw.History.Limit, "limit", sw.History.Limit, "Number of history entries kept")
	fs.StringVar(&sw.History.Path, "data", sw.History.Path, "Directory of the local history database")
	fs.BoolVar(&sw.Feed.Enabled, "feed", sw.Feed.Enabled, "Publish verdicts to AMQP")
	fs.StringVar(&sw.Feed.URI, "amqpuri", sw.Feed.URI, "Endpoint and port for the AMQP connection")
	fs.StringVar(&sw.Feed.Exchange, "amqpexch", sw.Feed.Exchange, "Exchange to post messages to")
	fs.StringVar(&sw.Feed.User, "amqpuser", sw.Feed.User, "User name for the AMQP connection")
	fs.StringVar(&sw.Feed.Password, "amqppass", sw.Feed.Password, "Password for the AMQP connection")
	fs.StringVar(&sw.Archive.Endpoint, "uploadendpoint", sw.Archive.Endpoint, "Endpoint for sample S3 upload")
	fs.StringVar(&sw.Archive.AccessKey, "uploadaccesskey", sw.Archive.AccessKey, "Access key for S3 upload")
	fs.StringVar(&sw.Archive.SecretAccessKey, "uploadsecretaccesskey", sw.Archive.SecretAccessKey, "Secret access key for S3 upload")
	fs.StringVar(&sw.Archive.Bucket, "uploadbucket", sw.Archive.Bucket, "Bucket name for S3 upload")
	fs.StringVar(&sw.Archive.Region, "uploadregion", sw.Archive.Region, "Region for S3 upload")
	fs.StringVar(&sw.Archive.ScratchDir, "uploadscratchdir", sw.Archive.ScratchDir, "Temp directory for S3 upload")
	fs.BoolVar(&sw.Archive.SSL, "uploadssl", sw.Archive.SSL, "Use SSL for S3 upload")
	fs.DurationVar(&sw.Janitor.MaxAge, "maxage", sw.Janitor.MaxAge, "Max age of scratch files before being cleaned up")
	fs.UintVar(&sw.Janitor.MaxSpace, "maxspace", sw.Janitor.MaxSpace, "Max total space used for scratch files in MB")
	fs.StringVar(&sw.Metrics.Listen, "metrics", sw.Metrics.Listen, "Listen address for Prometheus metrics")
	fs.StringVar(&sw.Logging.Dir, "log", sw.Logging.Dir, "Directory for the log file, stderr if empty")

	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	return cfg, o, fs.Args(), nil
}

func setupLogging(cfg *config.Config, o *options) (func(), error) {
	lc := cfg.Scanwatch.Logging
	cleanup := func() {}
	if lc.Dir != "" {
		if _, err := os.Stat(lc.Dir); os.IsNotExist(err) {
			log.Infof("Log directory %s does not exist, trying to create it", lc.Dir)
			if err = os.MkdirAll(lc.Dir, os.ModePerm); err != nil {
				return cleanup, err
			}
		}
		f, err := os.OpenFile(filepath.Join(lc.Dir, "scanwatch.log"),
			os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return cleanup, err
		}
		log.SetOutput(f)
		cleanup = func() {
			f.Close()
			log.SetOutput(os.Stderr)
		}
	}
	if o.logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return cleanup, err
	}
	log.SetLevel(level)
	if o.verbose {
		log.SetLevel(log.DebugLevel)
		log.Debug("verbose log output enabled")
	}
	return cleanup, nil
}

// setupHistory returns the sink for the configured user. Backend accounts
// use the backend's history, otherwise a local database is kept.
func setupHistory(cfg *config.Config, client *gateway.Client) (*history.Sink, func(), error) {
	sw := cfg.Scanwatch
	if sw.Backend.Email != "" {
		sink := history.MakeSink(sw.Backend.Email, sw.History.Limit, client.History())
		return sink, sink.Wait, nil
	}
	if _, err := os.Stat(sw.History.Path); os.IsNotExist(err) {
		log.Infof("Database directory %s does not exist, trying to create it", sw.History.Path)
		if err = os.MkdirAll(sw.History.Path, os.ModePerm); err != nil {
			return nil, nil, err
		}
	}
	db, err := historydb.Open(sw.History.Path, sw.History.Limit)
	if err != nil {
		return nil, nil, err
	}
	sink := history.MakeSink(localUser, sw.History.Limit, db)
	sink.Appender = db
	return sink, func() {
		sink.Wait()
		db.Close()
	}, nil
}

func setupPublisher(cfg *config.Config, o *options) (feed.Publisher, error) {
	fc := cfg.Scanwatch.Feed
	if o.dummy {
		log.Info("logging verdicts instead of publishing them")
		return feed.MakeDummyPublisher(), nil
	}
	if !fc.Enabled {
		return nil, nil
	}
	p, err := feed.MakeAMQPPublisher(fc.URI, fc.User, fc.Password, fc.Exchange, o.verbose, amqpDial)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// collectQueries turns the input flags and positional values into queries.
func collectQueries(o *options, positional []string) ([]indicator.Query, error) {
	var inputs []indicator.Input
	if o.file != "" {
		inputs = append(inputs, indicator.Input{FilePath: o.file})
	}
	if o.url != "" {
		inputs = append(inputs, indicator.Input{Value: o.url, Kind: indicator.URL})
	}
	if o.lookup != "" {
		in := indicator.Input{Value: o.lookup}
		if o.kind != "" {
			k, err := indicator.ParseKind(o.kind)
			if err != nil {
				return nil, err
			}
			in.Kind = k
		}
		inputs = append(inputs, in)
	}
	for _, v := range positional {
		inputs = append(inputs, indicator.Input{Value: v})
	}

	var queries []indicator.Query
	for _, in := range inputs {
		q, err := indicator.Normalize(in)
		if errors.Is(err, indicator.ErrEmptyIndicator) {
			log.Debug("skipping empty input")
			continue
		}
		if err != nil {
			return nil, err
		}
		if err = AllowedQuery(q); err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, nil
}

func follow(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	fc := cfg.Scanwatch.Feed
	c, err := feed.NewConsumer(feed.ConsumerConfig{
		URI:          "amqp://" + fc.User + ":" + fc.Password + "@" + fc.URI + "/",
		Exchange:     fc.Exchange,
		ExchangeType: exchangeType,
		Queue:        "scanwatch-follow-" + feed.SensorID,
		Key:          feed.RoutingKey,
		Tag:          "scanwatch-follow",
		Exclusive:    true,
	}, consumerDial, func(d wabbit.Delivery) {
		fmt.Fprintln(stdout, string(d.Body()))
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return c.Shutdown()
}

func realMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, o, positional, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	cleanupLog, err := setupLogging(cfg, o)
	defer cleanupLog()
	if err != nil {
		log.Error(err)
		return 1
	}
	sw := cfg.Scanwatch

	if sw.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Println(http.ListenAndServe(sw.Metrics.Listen, mux))
		}()
	}

	if o.follow {
		if err = follow(ctx, cfg, stdout); err != nil {
			log.Error(err)
			return 1
		}
		return 0
	}

	client := gateway.NewClient(sw.Backend.URL, sw.Backend.Timeout, gateway.User{
		Email:    sw.Backend.Email,
		FullName: sw.Backend.FullName,
	})
	if sw.Backend.MaxFileSize > 0 {
		client.MaxFileSize = sw.Backend.MaxFileSize
	}

	sink, closeHistory, err := setupHistory(cfg, client)
	if err != nil {
		log.Error(err)
		return 1
	}
	defer closeHistory()

	switch {
	case o.clearHistory:
		sink.Clear()
		sink.Wait()
		log.Info("history cleared")
		return 0
	case o.showHistory:
		if err = sink.Refresh(ctx); err != nil {
			log.Error(err)
			return 1
		}
		if err = printHistory(stdout, sink.Entries(), o.asJSON); err != nil {
			log.Error(err)
			return 1
		}
		return 0
	}

	pub, err := setupPublisher(cfg, o)
	if err != nil {
		log.Error(err)
		return 1
	}
	if pub != nil {
		defer pub.Finish()
		sink.Publisher = pub
	}

	ctrl := investigation.MakeController(client, sink, sw.Polling.Poller())
	ctrl.Subscribe(func(s investigation.State) {
		log.WithFields(log.Fields{
			"status":   s.Status,
			"progress": s.Progress,
			"job":      s.JobID,
		}).Debug("investigation update")
	})

	if sw.Archive.Endpoint != "" {
		var ap archive.Publisher
		if pub != nil {
			ap = pub
		}
		a, err := archive.MakeS3Archiver(archive.S3Credentials{
			Endpoint:        sw.Archive.Endpoint,
			AccessKey:       sw.Archive.AccessKey,
			SecretAccessKey: sw.Archive.SecretAccessKey,
			BucketName:      sw.Archive.Bucket,
			Region:          sw.Archive.Region,
		}, sw.Archive.SSL, sw.Archive.ScratchDir, ap)
		if err != nil {
			log.Error(err)
			return 1
		}
		defer a.Stop()
		ctrl.OnFinish(archiveHook(a))

		janitorNotify := make(chan bool)
		j := MakeJanitor(janitorNotify, sw.Janitor.MaxAge, sw.Janitor.MaxSpace)
		j.CheckTick = sw.Janitor.CheckTick
		if err = j.Run(sw.Archive.ScratchDir); err != nil {
			log.Error(err)
			return 1
		}
		defer func() {
			j.Stop()
			<-janitorNotify
		}()
	}

	if o.socket != "" {
		return serve(ctx, ctrl, o.socket)
	}

	queries, err := collectQueries(o, positional)
	if err != nil {
		log.Error(err)
		return 1
	}
	if len(queries) == 0 {
		log.Info("nothing to submit")
		return 0
	}

	var ai *aisummary.Client
	if o.ai {
		ai = aisummary.NewClient(sw.Backend.URL, sw.Backend.Token, sw.Backend.Timeout)
	}
	rc := 0
	for _, q := range queries {
		s, err := ctrl.Run(ctx, q)
		if ctx.Err() != nil {
			log.Info("investigation cancelled")
			return 1
		}
		if err != nil {
			rc = 1
		}
		var text string
		if ai != nil && err == nil {
			text, err = ai.Summarize(ctx, s.Report, s.Query.Kind, s.Query.Indicator)
			if err != nil {
				log.Warn(err)
			}
		}
		if err = printResult(stdout, s, text, o.asJSON); err != nil {
			log.Error(err)
			rc = 1
		}
	}
	return rc
}

// archiveHook queues uploaded samples for archival once their report has
// been recorded.
func archiveHook(a *archive.Archiver) func(investigation.Result) {
	return func(r investigation.Result) {
		if !r.Recorded || r.Submitted.Kind != indicator.File || r.Submitted.FilePath == "" {
			return
		}
		if err := a.Enqueue(r.Entry, r.Submitted.FilePath); err != nil {
			log.Warnf("could not archive %s: %s", r.Submitted.FilePath, err)
		}
	}
}

// serve runs the socket dispatcher until ctx is cancelled.
func serve(ctx context.Context, ctrl *investigation.Controller, socket string) int {
	finishNotify := make(chan bool)
	d := MakeDispatcher(finishNotify, ctrl)
	if err := d.Run(socket); err != nil {
		log.Error(err)
		return 1
	}
	<-ctx.Done()
	log.Info("Received request to stop, stopping dispatcher...")
	d.Stop()
	<-finishNotify
	d.Finish()
	log.Info("stopped dispatcher")
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rc := realMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(rc)
}
