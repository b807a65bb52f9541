package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/sashabaranov/go-openai"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/tg-relay/app/events"
	"github.com/umputun/tg-relay/app/relay"
	"github.com/umputun/tg-relay/app/storage"
	"github.com/umputun/tg-relay/app/storage/engine"
	"github.com/umputun/tg-relay/app/webapi"
	"github.com/umputun/tg-relay/lib/filter"
)

type options struct {
	Telegram struct {
		Token   string        `long:"token" env:"TOKEN" description:"telegram bot token" required:"true"`
		Group   string        `long:"group" env:"GROUP" description:"staff group name/id" required:"true"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"http client timeout for telegram"`
	} `group:"telegram" namespace:"telegram" env-namespace:"TELEGRAM"`

	DB         string           `long:"db" env:"DB" default:"tg-relay.db" description:"sqlite file or postgres connection string"`
	SuperUsers events.SuperUser `long:"super" env:"SUPER_USER" env-delim:"," description:"staff usernames allowed to run commands"`
	SpamTopic  string           `long:"spam-topic" env:"SPAM_TOPIC" default:"spam" description:"name of the spam intake topic"`
	RulesFile  string           `long:"rules" env:"RULES" description:"yaml rules file to watch, disabled if not set"`

	HistoryDuration time.Duration `long:"history-duration" env:"HISTORY_DURATION" default:"24h" description:"how long to keep staff reply records for edit and delete propagation"`

	Captcha struct {
		Enabled  bool          `long:"enabled" env:"ENABLED" description:"require new users to solve a challenge before relaying"`
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"max wrong answers before blocking"`
		TTL      time.Duration `long:"ttl" env:"TTL" default:"10m" description:"challenge lifetime"`
	} `group:"captcha" namespace:"captcha" env-namespace:"CAPTCHA"`

	Filter struct {
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"per-detector timeout"`
		Policy   string        `long:"policy" env:"POLICY" default:"open" choice:"open" choice:"closed" description:"treat detector failure as clean (open) or spam (closed)"`
		MaxEmoji int           `long:"max-emoji" env:"MAX_EMOJI" default:"-1" description:"max emoji count in message, -1 to disable check"`
	} `group:"filter" namespace:"filter" env-namespace:"FILTER"`

	Dispatcher struct {
		Workers     int           `long:"workers" env:"WORKERS" default:"8" description:"concurrent workers, also the shard count"`
		MaxAttempts int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"3" description:"delivery attempts per message"`
		BaseDelay   time.Duration `long:"base-delay" env:"BASE_DELAY" default:"500ms" description:"initial retry delay"`
		MaxDelay    time.Duration `long:"max-delay" env:"MAX_DELAY" default:"30s" description:"retry delay cap"`
	} `group:"dispatcher" namespace:"dispatcher" env-namespace:"DISPATCHER"`

	Broadcast struct {
		BatchSize int           `long:"batch-size" env:"BATCH_SIZE" default:"50" description:"recipients per checkpoint"`
		Attempts  int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"send attempts per recipient"`
		Delay     time.Duration `long:"delay" env:"DELAY" default:"500ms" description:"initial retry delay"`
	} `group:"broadcast" namespace:"broadcast" env-namespace:"BROADCAST"`

	OpenAI struct {
		Token             string `long:"token" env:"TOKEN" description:"openai token, spam check disabled if not set"`
		BaseURL           string `long:"base-url" env:"BASE_URL" default:"" description:"openai compatible api base url, official endpoint if not set"`
		Prompt            string `long:"prompt" env:"PROMPT" default:"" description:"openai system prompt, if empty uses builtin default"`
		Model             string `long:"model" env:"MODEL" default:"gpt-4o-mini" description:"openai model"`
		MaxTokensResponse int    `long:"max-tokens-response" env:"MAX_TOKENS_RESPONSE" default:"1024" description:"openai max tokens in response"`
		MaxTokensRequest  int    `long:"max-tokens-request" env:"MAX_TOKENS_REQUEST" default:"2048" description:"openai max tokens in request"`
		MaxSymbolsRequest int    `long:"max-symbols-request" env:"MAX_SYMBOLS_REQUEST" default:"16000" description:"openai max symbols in request, failback if tokenizer failed"`
		Confidence        int    `long:"confidence" env:"CONFIDENCE" default:"80" description:"min confidence to accept a spam verdict"`
	} `group:"openai" namespace:"openai" env-namespace:"OPENAI"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated spam audit log"`
		FileName   string `long:"file" env:"FILE" default:"tg-relay-spam.log" description:"location of spam audit log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	WebAPI struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable status web server"`
		ListenAddr string `long:"listen" env:"LISTEN" default:":8080" description:"status server listen address"`
		AuthPasswd string `long:"auth-passwd" env:"AUTH_PASSWD" description:"basic auth password for user tg-relay"`
	} `group:"webapi" namespace:"webapi" env-namespace:"WEBAPI"`

	Message struct {
		Startup string `long:"startup" env:"STARTUP" default:"" description:"startup message posted to the staff group"`
	} `group:"message" namespace:"message" env-namespace:"MESSAGE"`

	Dbg   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	TGDbg bool `long:"tg-dbg" env:"TG_DEBUG" description:"telegram debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("tg-relay %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Telegram.Token, opts.OpenAI.Token)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	tbAPI, err := tbapi.NewBotAPIWithClient(opts.Telegram.Token, tbapi.APIEndpoint,
		&http.Client{Timeout: opts.Telegram.Timeout})
	if err != nil {
		return fmt.Errorf("can't make telegram bot, %w", err)
	}
	tbAPI.Debug = opts.TGDbg

	db, err := makeDB(ctx, opts.DB)
	if err != nil {
		return fmt.Errorf("can't open database, %w", err)
	}
	defer db.Close()

	users, err := storage.NewUsers(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make users store, %w", err)
	}
	threads, err := storage.NewThreads(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make threads store, %w", err)
	}
	keywords, err := storage.NewKeywords(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make keywords store, %w", err)
	}
	replies, err := storage.NewReplies(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make replies store, %w", err)
	}
	jobs, err := storage.NewBroadcasts(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make broadcasts store, %w", err)
	}
	settings, err := storage.NewSettings(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make settings store, %w", err)
	}

	tg := &events.Telegram{API: tbAPI}
	groupID, err := resolveGroupID(tbAPI, opts.Telegram.Group)
	if err != nil {
		return fmt.Errorf("can't resolve staff group %q, %w", opts.Telegram.Group, err)
	}
	tg.GroupID = groupID

	spamThreadID, err := spamIntakeTopic(ctx, settings, tg, opts.SpamTopic)
	if err != nil {
		return fmt.Errorf("can't make spam intake topic, %w", err)
	}
	log.Printf("[INFO] staff group %d, spam intake topic %d", groupID, spamThreadID)

	keywordDetector := filter.NewKeywordDetector()
	pipeline, err := makePipeline(opts, keywordDetector)
	if err != nil {
		return fmt.Errorf("can't make filter pipeline, %w", err)
	}

	autoReply, err := relay.NewAutoReply(ctx, replies)
	if err != nil {
		return fmt.Errorf("can't make auto-reply matcher, %w", err)
	}

	loggerWr, err := makeSpamLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make spam log writer, %w", err)
	}
	defer loggerWr.Close()

	eng := relay.NewEngine(relay.EngineParams{
		Transport:    tg,
		Users:        users,
		Threads:      threads,
		Pipeline:     pipeline,
		Captcha:      relay.NewCaptcha(opts.Captcha.Enabled, opts.Captcha.Attempts, opts.Captcha.TTL),
		AutoReply:    autoReply,
		SpamLogger:   makeSpamLogger(loggerWr),
		GroupID:      groupID,
		SpamThreadID: spamThreadID,
	})

	adminOps, err := relay.NewAdminOps(ctx, eng, keywords, keywordDetector)
	if err != nil {
		return fmt.Errorf("can't make admin ops, %w", err)
	}

	dispatcher := relay.NewDispatcher(eng, relay.DispatcherParams{
		Workers:     opts.Dispatcher.Workers,
		MaxAttempts: opts.Dispatcher.MaxAttempts,
		BaseDelay:   opts.Dispatcher.BaseDelay,
		MaxDelay:    opts.Dispatcher.MaxDelay,
		OnDrop: func(msg relay.Message, err error) {
			log.Printf("[ERROR] dropped message %d from user %d after retries: %v", msg.ID, msg.UserID, err)
		},
	})
	go dispatcher.Do(ctx)

	broadcaster := relay.NewBroadcaster(relay.BroadcasterParams{
		Transport: tg,
		Users:     users,
		Jobs:      jobs,
		BatchSize: opts.Broadcast.BatchSize,
		Attempts:  opts.Broadcast.Attempts,
		Delay:     opts.Broadcast.Delay,
	})
	if err := broadcaster.Resume(ctx); err != nil {
		log.Printf("[WARN] can't resume interrupted broadcast, %v", err)
	}

	if opts.RulesFile != "" {
		rules := &storage.Rules{Keywords: keywords, Replies: replies}
		go func() {
			err := rules.Watch(ctx, opts.RulesFile, func() {
				if rerr := adminOps.ReloadKeywords(ctx); rerr != nil {
					log.Printf("[WARN] can't reload keywords, %v", rerr)
				}
				if rerr := autoReply.Reload(ctx); rerr != nil {
					log.Printf("[WARN] can't reload auto-replies, %v", rerr)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[WARN] rules watcher stopped, %v", err)
			}
		}()
	}

	if opts.WebAPI.Enabled {
		srv := webapi.NewServer(webapi.Config{
			Version:    revision,
			ListenAddr: opts.WebAPI.ListenAddr,
			Users:      users,
			Threads:    threads,
			Broadcasts: jobs,
			AuthPasswd: opts.WebAPI.AuthPasswd,
			Dbg:        opts.Dbg,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Printf("[WARN] webapi server failed, %v", err)
			}
		}()
	}

	locator := events.NewLocator(opts.HistoryDuration)
	adminHandler := &events.AdminHandler{
		TbAPI:       tbAPI,
		Admin:       adminOps,
		Broadcaster: broadcaster,
		Users:       users,
		Jobs:        jobs,
		Locator:     locator,
	}
	tgListener := events.TelegramListener{
		TbAPI:        tbAPI,
		Transport:    tg,
		Dispatcher:   dispatcher,
		Admin:        adminOps,
		AdminHandler: adminHandler,
		Group:        opts.Telegram.Group,
		SuperUsers:   opts.SuperUsers,
		StartupMsg:   opts.Message.Startup,
		SpamThreadID: spamThreadID,
		Locator:      locator,
	}
	log.Printf("[DEBUG] telegram listener config: {group: %s, super: %v, captcha: %v, workers: %d}",
		opts.Telegram.Group, opts.SuperUsers, opts.Captcha.Enabled, opts.Dispatcher.Workers)

	// run telegram listener and event processor loop
	if err := tgListener.Do(ctx); err != nil {
		return fmt.Errorf("telegram listener failed, %w", err)
	}
	return nil
}

// makeDB opens sqlite file or postgres database depending on the connection string
func makeDB(ctx context.Context, conn string) (*engine.SQL, error) {
	if strings.HasPrefix(conn, "postgres://") || strings.HasPrefix(conn, "postgresql://") {
		return engine.NewPostgres(ctx, conn)
	}
	return engine.NewSqlite(conn)
}

// resolveGroupID converts a numeric group id or a public group name to chat id
func resolveGroupID(tbAPI *tbapi.BotAPI, group string) (int64, error) {
	if id, err := strconv.ParseInt(group, 10, 64); err == nil {
		return id, nil
	}
	chat, err := tbAPI.GetChat(tbapi.ChatInfoConfig{ChatConfig: tbapi.ChatConfig{SuperGroupUsername: "@" + group}})
	if err != nil {
		return 0, fmt.Errorf("can't get chat for %s: %w", group, err)
	}
	return chat.ID, nil
}

// spamIntakeTopic returns the persisted spam topic id, creating the topic on
// first run and saving its id in settings.
func spamIntakeTopic(ctx context.Context, settings *storage.Settings, tg *events.Telegram, name string) (int64, error) {
	id, err := settings.GetInt(ctx, storage.SettingSpamThreadID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("can't read spam topic id: %w", err)
	}

	id, err = tg.CreateThread(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("can't create spam topic %q: %w", name, err)
	}
	if err := settings.SetInt(ctx, storage.SettingSpamThreadID, id); err != nil {
		return 0, fmt.Errorf("can't save spam topic id: %w", err)
	}
	log.Printf("[INFO] created spam intake topic %q (%d)", name, id)
	return id, nil
}

// makePipeline builds the ordered detector chain: keywords first, then emoji
// flood if enabled, openai last as the most expensive check.
func makePipeline(opts options, keywordDetector *filter.KeywordDetector) (*filter.Pipeline, error) {
	policy := filter.Policy(opts.Filter.Policy)
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	pipeline := filter.NewPipeline(opts.Filter.Timeout, policy)
	pipeline.Add(keywordDetector)

	if opts.Filter.MaxEmoji >= 0 {
		pipeline.Add(&filter.EmojiDetector{MaxAllowed: opts.Filter.MaxEmoji})
		log.Printf("[DEBUG] emoji detector enabled, max allowed %d", opts.Filter.MaxEmoji)
	}

	if opts.OpenAI.Token != "" {
		log.Printf("[WARN] openai spam check enabled")
		openAIConfig := filter.OpenAIConfig{
			SystemPrompt:      opts.OpenAI.Prompt,
			Model:             opts.OpenAI.Model,
			MaxTokensResponse: opts.OpenAI.MaxTokensResponse,
			MaxTokensRequest:  opts.OpenAI.MaxTokensRequest,
			MaxSymbolsRequest: opts.OpenAI.MaxSymbolsRequest,
			Confidence:        opts.OpenAI.Confidence,
		}
		log.Printf("[DEBUG] openai config: %+v", openAIConfig)
		pipeline.Add(filter.NewOpenAIDetector(makeOpenAIClient(opts), openAIConfig))
	}
	return pipeline, nil
}

// makeOpenAIClient builds the openai client, pointed at an alternative
// openai-compatible endpoint when base-url is set
func makeOpenAIClient(opts options) *openai.Client {
	if opts.OpenAI.BaseURL == "" {
		return openai.NewClient(opts.OpenAI.Token)
	}
	log.Printf("[INFO] openai api base url set to %s", opts.OpenAI.BaseURL)
	cfg := openai.DefaultConfig(opts.OpenAI.Token)
	cfg.BaseURL = opts.OpenAI.BaseURL
	return openai.NewClientWithConfig(cfg)
}

// makeSpamLogger creates spam logger to keep reports about spam messages,
// it writes json lines to the provided writer
func makeSpamLogger(wr io.Writer) relay.SpamLogger {
	return relay.SpamLoggerFunc(func(msg relay.Message, responses []filter.Response) {
		text := strings.ReplaceAll(msg.Text, "\n", " ")
		text = strings.TrimSpace(text)
		log.Printf("[INFO] spam detected from %d (%s), checks: %s", msg.UserID, msg.UserName, filter.ResponsesToString(responses))

		m := struct {
			TimeStamp   string `json:"ts"`
			DisplayName string `json:"display_name"`
			UserName    string `json:"user_name"`
			UserID      int64  `json:"user_id"`
			Text        string `json:"text"`
			Checks      string `json:"checks"`
		}{
			TimeStamp:   time.Now().In(time.Local).Format(time.RFC3339),
			DisplayName: msg.DisplayName,
			UserName:    msg.UserName,
			UserID:      msg.UserID,
			Text:        text,
			Checks:      filter.ResponsesToString(responses),
		}
		line, err := json.Marshal(&m)
		if err != nil {
			log.Printf("[WARN] can't marshal json, %v", err)
			return
		}
		if _, err := wr.Write(append(line, '\n')); err != nil {
			log.Printf("[WARN] can't write to log, %v", err)
		}
	})
}

// makeSpamLogWriter creates spam log writer to keep reports about spam messages
// it parses options and makes lumberjack logger with rotation
func makeSpamLogWriter(opts options) (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] spam audit log enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	secrets = func(ss []string) (res []string) { // drop empty secrets
		for _, s := range ss {
			if s != "" {
				res = append(res, s)
			}
		}
		return res
	}(secrets)
	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
