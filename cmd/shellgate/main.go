package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"shellgate/internal/audit"
	"shellgate/internal/auth"
	"shellgate/internal/config"
	"shellgate/internal/gate"
	"shellgate/internal/logger"
	"shellgate/internal/risk"
	"shellgate/internal/server"
	"shellgate/internal/session"
)

var version = "dev"

// exitError 以指定退出码结束进程，用于透传远端命令的退出码
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	httpAddr   string
	riskCmd    string
	execID     string
	command    string
	version    bool
}

func run(args []string) error {
	var opts options
	fs := pflag.NewFlagSet("shellgate", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "配置文件路径（默认 <用户配置目录>/shellgate/config.yaml）")
	fs.StringVar(&opts.httpAddr, "http", "", "启动控制接口，例如 :21008；为空时使用配置中的 http_addr")
	fs.StringVar(&opts.riskCmd, "risk", "", "只评估命令风险并输出，不执行")
	fs.StringVar(&opts.execID, "exec", "", "在指定 ID 的服务器上执行 --command")
	fs.StringVar(&opts.command, "command", "", "与 --exec 一起使用的命令")
	fs.BoolVar(&opts.version, "version", false, "输出版本号")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.version {
		fmt.Println("shellgate", version)
		return nil
	}
	if opts.execID != "" && opts.command == "" {
		return errors.New("--exec 需要同时指定 --command")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	classifier, err := buildClassifier(cfg.Risk)
	if err != nil {
		return err
	}
	mode, err := risk.ParseMode(cfg.AuthorizationMode)
	if err != nil {
		return err
	}

	if opts.riskCmd != "" {
		a := classifier.Analyze(opts.riskCmd)
		fmt.Printf("%s\t%s\tconfirm=%v\n", a.Level, a.Reason, mode.NeedsConfirmation(a))
		return nil
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	app, err := newApp(cfg, classifier, mode, log)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.execID != "" {
		return app.execOnce(ctx, opts.execID, opts.command)
	}

	addr := opts.httpAddr
	if addr == "" {
		addr = cfg.HTTPAddr
	}
	guardDir, err := config.Dir()
	if err != nil {
		return err
	}
	guard := auth.New(guardDir, auth.Options{Logger: log.Named("auth"), Audit: app.audit})
	h := server.NewHandler(app.gate, app.store, guard, log)
	fmt.Println("shellgate: http://127.0.0.1" + addr)
	return server.Serve(ctx, addr, h.Routes(), log)
}

// buildClassifier 内置规则表末尾追加配置中的自定义规则
func buildClassifier(rc config.RiskConfig) (*risk.Classifier, error) {
	c := risk.Default()
	var err error
	for _, r := range rc.ExtraHigh {
		if c, err = c.Extend(risk.High, r.Pattern, r.Reason); err != nil {
			return nil, err
		}
	}
	for _, r := range rc.ExtraMedium {
		if c, err = c.Extend(risk.Medium, r.Pattern, r.Reason); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type app struct {
	gate  *gate.Gate
	store *config.ProfileStore
	audit *audit.Logger
	log   *zap.Logger
}

func newApp(cfg *config.Config, classifier *risk.Classifier, mode risk.Mode, log *zap.Logger) (*app, error) {
	passphrase := cfg.Passphrase()
	store, err := config.NewProfileStore(cfg.ProfilesFile, passphrase)
	if err != nil {
		return nil, err
	}
	records, err := store.Load()
	if errors.Is(err, config.ErrPassphraseRequired) {
		// 环境变量未提供口令时在终端询问
		if store.Passphrase, err = readPassphrase(); err != nil {
			return nil, err
		}
		records, err = store.Load()
	}
	if err != nil {
		return nil, err
	}

	auditLog := audit.Nop()
	if cfg.AuditFile != "" {
		if auditLog, err = audit.New(cfg.AuditFile); err != nil {
			return nil, err
		}
	}

	sessions := session.NewManager(session.Options{
		ConnectTimeout: cfg.Timeouts.Connect,
		LatencyTimeout: cfg.Timeouts.Latency,
		PromptTimeout:  cfg.Timeouts.Prompt,
		CommandTimeout: cfg.Timeouts.Command,
		Logger:         log.Named("session"),
	})
	g := gate.New(gate.Options{
		Classifier: classifier,
		Sessions:   sessions,
		Mode:       mode,
		Confirmer:  terminalConfirmer{},
		Audit:      auditLog,
		Logger:     log.Named("gate"),
	})
	if err := g.Restore(records, true); err != nil {
		return nil, err
	}
	log.Info("已加载服务器配置", zap.Int("count", len(records)), zap.Bool("encrypted", store.Encrypted()))
	return &app{gate: g, store: store, audit: auditLog, log: log}, nil
}

func (a *app) close() {
	a.gate.Close()
	_ = a.audit.Close()
}

// execOnce 连接、执行一条命令、输出结果，进程退出码与远端一致
func (a *app) execOnce(ctx context.Context, id, command string) error {
	if err := a.gate.Connect(ctx, id); err != nil {
		return err
	}
	defer func() { _ = a.gate.Disconnect(id) }()

	out, err := a.gate.Run(ctx, gate.Request{ProfileID: id, Command: command})
	if out != nil {
		fmt.Fprint(os.Stdout, out.Output)
		fmt.Fprint(os.Stderr, out.Error)
	}
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return exitError{code: out.ExitCode}
	}
	return nil
}
