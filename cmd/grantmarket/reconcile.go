package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"grantmarket/internal/config"
	apperrors "grantmarket/internal/errors"
	applog "grantmarket/internal/log"
	"grantmarket/internal/repos"
	"grantmarket/internal/services"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Record a settled payment the purchase path could not commit",
	Long: `reconcile records an on-chain payment as a sale. It is idempotent: a
payment already in the ledger (same settlement tx, or same buyer, listing and
chain within a minute) is reported and left alone.`,
	RunE:          runReconcile,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	recSlug      string
	recBuyer     string
	recSeller    string
	recPrice     string
	recChain     int64
	recTimestamp string
	recTx        string
	recDryRun    bool
)

func init() {
	f := reconcileCmd.Flags()
	f.StringVar(&recSlug, "slug", "", "listing slug")
	f.StringVar(&recBuyer, "buyer", "", "buyer wallet address")
	f.StringVar(&recSeller, "seller", "", "seller wallet address, must own the listing")
	f.StringVar(&recPrice, "price", "", "price paid in USDC (defaults to the listing price)")
	f.Int64Var(&recChain, "chain", 0, "chain id the payment settled on")
	f.StringVar(&recTimestamp, "timestamp", "", "payment time, unix millis or RFC3339")
	f.StringVar(&recTx, "tx", "", "settlement transaction hash")
	f.BoolVar(&recDryRun, "dry-run", false, "only report whether the payment is already recorded")
	for _, name := range []string{"slug", "buyer", "seller", "chain", "timestamp"} {
		_ = reconcileCmd.MarkFlagRequired(name)
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	at, err := parseTimestamp(recTimestamp)
	if err != nil {
		return writeFailure(cmd, apperrors.Wrap(apperrors.CodeValidation, "timestamp must be unix millis or RFC3339", err))
	}
	var price decimal.Decimal
	if strings.TrimSpace(recPrice) != "" {
		if price, err = decimal.NewFromString(strings.TrimSpace(recPrice)); err != nil {
			return writeFailure(cmd, apperrors.Wrap(apperrors.CodeValidation, "price must be a decimal amount", err))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return writeFailure(cmd, err)
	}
	// stdout carries only the outcome line
	closeLog, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return writeFailure(cmd, err)
	}
	defer closeLog()
	defer applog.Sync()

	db, err := repos.OpenDB(cfg.DBDSN)
	if err != nil {
		return writeFailure(cmd, err)
	}
	defer db.Close()

	svc := services.NewReconcileService(repos.NewListingRepo(db), repos.NewTransactionRepo(db))
	out, err := svc.Reconcile(cmd.Context(), services.PaymentEvent{
		Slug:         recSlug,
		Buyer:        recBuyer,
		Seller:       recSeller,
		PriceUSDC:    price,
		ChainID:      recChain,
		Timestamp:    at,
		SettlementTx: strings.TrimSpace(recTx),
	}, recDryRun)
	if err != nil {
		return writeFailure(cmd, err)
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// writeFailure prints err as one JSON line on stderr and returns it so the
// process exits non-zero.
func writeFailure(cmd *cobra.Command, err error) error {
	code := apperrors.GetCode(err)
	msg := apperrors.Message(err)
	if code == apperrors.CodeUnknown {
		msg = err.Error()
	}
	line, _ := json.Marshal(map[string]string{"error": msg, "reason": string(code)})
	fmt.Fprintln(cmd.ErrOrStderr(), string(line))
	return err
}
