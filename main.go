package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/address"
	"github.com/vreid/wager/internal/pkg/auth"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/gateway"
	"github.com/vreid/wager/internal/pkg/standings"
	"golang.org/x/sync/errgroup"

	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

var ErrUsage = errors.New("wrong number of arguments")

type WagerService struct {
	EchoService    *common.EchoService    `do:""`
	TracingService *common.TracingService `do:""`
	LogService     *common.LogService     `do:""`

	GatewayService   *gateway.GatewayService     `do:""`
	StandingsService *standings.StandingsService `do:""`
}

func provideStore(i do.Injector, cmd *cli.Command) {
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "program-name", cmd.String("program-name"))
	do.ProvideNamedValue(i, "log-level", cmd.String("log-level"))
	do.ProvideNamedValue(i, "log-file", cmd.String("log-file"))

	do.ProvideValue(i, common.NewSystemClock())

	do.Provide(i, common.NewLogService)
	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewMetricsService)
	do.Provide(i, escrow.NewEscrowService)
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	provideStore(i, cmd)

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "arbiter", cmd.String("arbiter"))
	do.ProvideNamedValue(i, "faucet", cmd.Bool("faucet"))
	do.ProvideNamedValue(i, "signature-max-age", cmd.Duration("signature-max-age"))
	do.ProvideNamedValue(i, "otel-endpoint", cmd.String("otel-endpoint"))

	commitChan := make(chan struct{}, 1)
	var commitSource <-chan struct{} = commitChan
	var commitSink chan<- struct{} = commitChan

	do.ProvideNamedValue(i, "commit-source", commitSource)
	do.ProvideNamedValue(i, "commit-sink", commitSink)

	do.Provide(i, common.NewEchoService)
	do.Provide(i, common.NewTracingService)

	do.Provide(i, auth.NewAuthService)
	do.Provide(i, standings.NewStandingsService)
	do.Provide(i, gateway.NewGatewayService)

	do.Provide(i, do.InvokeStruct[WagerService])

	wagerService, err := do.Invoke[WagerService](i)
	if err != nil {
		_ = i.Shutdown()

		return fmt.Errorf("failed to create wager service: %w", err)
	}

	logger := wagerService.LogService.Logger("WAGR")

	if wagerService.TracingService.Enabled() {
		logger.Infof("Exporting traces to %s", cmd.String("otel-endpoint"))
	}

	wagerService.StandingsService.Start()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(wagerService.EchoService.Start)

	g.Go(func() error {
		<-gctx.Done()

		logger.Infof("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		report := i.ShutdownWithContext(shutdownCtx)
		if !report.Succeed {
			return report
		}

		return nil
	})

	//nolint:wrapcheck
	return g.Wait()
}

func runKeygen(_ context.Context, _ *cli.Command) error {
	priv, err := auth.GeneratePrivateKey()
	if err != nil {
		return err //nolint:wrapcheck
	}

	fmt.Printf("private key: %s\n", hex.EncodeToString(priv.Serialize()))
	fmt.Printf("identity:    %s\n", address.IdentityFromPubKey(priv.PubKey()))

	return nil
}

func runSign(_ context.Context, cmd *cli.Command) error {
	priv, err := auth.ParsePrivateKey(cmd.String("key"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	headers, err := auth.Sign(priv, cmd.String("method"), cmd.String("path"), time.Now().Unix(), []byte(cmd.String("body")))
	if err != nil {
		return err //nolint:wrapcheck
	}

	fmt.Printf("%s: %s\n", auth.HeaderIdentity, headers.Identity)
	fmt.Printf("%s: %s\n", auth.HeaderTimestamp, headers.Timestamp)
	fmt.Printf("%s: %s\n", auth.HeaderSignature, headers.Signature)

	return nil
}

func openStore(cmd *cli.Command) (*do.RootScope, *escrow.EscrowService, error) {
	i := do.New()

	provideStore(i, cmd)

	do.ProvideNamedValue(i, "arbiter", "")

	escrowService, err := do.Invoke[*escrow.EscrowService](i)
	if err != nil {
		_ = i.Shutdown()

		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	return i, escrowService, nil
}

func runCredit(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 { //nolint:mnd
		return fmt.Errorf("%w: expected <identity> <amount>", ErrUsage)
	}

	identity, err := address.ParseIdentity(cmd.Args().Get(0))
	if err != nil {
		return fmt.Errorf("failed to parse identity: %w", err)
	}

	amount, err := gateway.ParseAmount(cmd.Args().Get(1))
	if err != nil {
		return err //nolint:wrapcheck
	}

	i, escrowService, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer i.Shutdown()

	receipt, err := escrowService.Credit(ctx, identity, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", identity, err)
	}

	return printJSON(receipt)
}

func runInspect(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("%w: expected <match-address>", ErrUsage)
	}

	match, err := address.ParseAddress(cmd.Args().Get(0))
	if err != nil {
		return fmt.Errorf("failed to parse match address: %w", err)
	}

	i, escrowService, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer i.Shutdown()

	view, err := escrowService.GetMatch(ctx, match)
	if err != nil {
		return fmt.Errorf("failed to read match: %w", err)
	}

	err = printJSON(view)
	if err != nil {
		return err
	}

	if !cmd.Bool("audit") {
		return nil
	}

	replayed, err := escrowService.ReplayCustody(ctx, match)
	if err != nil {
		return fmt.Errorf("failed to replay receipts: %w", err)
	}

	fmt.Printf("replayed custody: %s (stored %s)\n",
		strconv.FormatUint(replayed, 10), strconv.FormatUint(view.CustodyBalance, 10))

	if replayed != view.CustodyBalance {
		return fmt.Errorf("%w: custody does not match the receipt log", escrow.ErrLedgerFailure)
	}

	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	fmt.Println(string(data))

	return nil
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "data-dir",
			Value:   "./wager/data",
			Sources: cli.EnvVars("WAGER_DATA_DIR"),
		},
		&cli.StringFlag{
			Name:    "program-name",
			Value:   "wager",
			Sources: cli.EnvVars("WAGER_PROGRAM_NAME"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Sources: cli.EnvVars("WAGER_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-file",
			Value:   "",
			Sources: cli.EnvVars("WAGER_LOG_FILE"),
		},
	}
}

func main() {
	_ = godotenv.Load()

	//nolint:exhaustruct
	cmd := &cli.Command{
		Name:  "wager",
		Usage: "match escrow and settlement",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: append(storeFlags(),
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("WAGER_PORT"),
					},
					&cli.StringFlag{
						Name:    "arbiter",
						Value:   "",
						Sources: cli.EnvVars("WAGER_ARBITER"),
					},
					&cli.BoolFlag{
						Name:    "faucet",
						Value:   false,
						Sources: cli.EnvVars("WAGER_FAUCET"),
					},
					&cli.DurationFlag{
						Name:    "signature-max-age",
						Value:   5 * time.Minute, //nolint:mnd
						Sources: cli.EnvVars("WAGER_SIGNATURE_MAX_AGE"),
					},
					&cli.StringFlag{
						Name:    "otel-endpoint",
						Value:   "",
						Sources: cli.EnvVars("WAGER_OTEL_ENDPOINT"),
					},
				),
				Action: runServer,
			},
			{
				Name:   "keygen",
				Usage:  "generate a signing key and print its identity",
				Action: runKeygen,
			},
			{
				Name:  "sign",
				Usage: "print authentication headers for a request",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "key",
						Required: true,
						Sources:  cli.EnvVars("WAGER_KEY"),
					},
					&cli.StringFlag{
						Name:  "method",
						Value: "POST",
					},
					&cli.StringFlag{
						Name:     "path",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "body",
						Value: "",
					},
				},
				Action: runSign,
			},
			{
				Name:      "credit",
				Usage:     "mint units into an identity's balance",
				ArgsUsage: "<identity> <amount>",
				Flags:     storeFlags(),
				Action:    runCredit,
			},
			{
				Name:      "inspect",
				Usage:     "print a match with its participants",
				ArgsUsage: "<match-address>",
				Flags: append(storeFlags(),
					&cli.BoolFlag{
						Name:  "audit",
						Usage: "recompute custody from the receipt log",
					},
				),
				Action: runInspect,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
