package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/paygate/pkg/config"
	"github.com/Mindburn-Labs/paygate/pkg/payment"
)

type verifyTxCommander struct {
	txHash string
	amount string
	payTo  string
	asset  string
}

func newVerifyTxCmd() *cobra.Command {
	cmder := &verifyTxCommander{}

	cmd := &cobra.Command{
		Use:   "verify-tx",
		Short: "Verify a direct transfer against an amount",
		Long: `Fetch the receipt of a ledger transaction and check that it moved at least
--amount of the configured asset to the configured pay-to address.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return cmder.run(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cmder.txHash, "tx", "", "Transaction hash (0x...)")
	cmd.Flags().StringVar(&cmder.amount, "amount", "", "Expected amount in token units, e.g. 0.25")
	cmd.Flags().StringVar(&cmder.payTo, "pay-to", "", "Recipient (default from config)")
	cmd.Flags().StringVar(&cmder.asset, "asset", "", "Token contract (default from config)")
	_ = cmd.MarkFlagRequired("tx")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (c *verifyTxCommander) run(cmd *cobra.Command, cfg *config.Config) error {
	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required to verify transfers")
	}
	atomic, err := config.AtomicAmount(c.amount, cfg.Chain.AssetDecimals)
	if err != nil {
		return err
	}
	payTo := c.payTo
	if payTo == "" {
		payTo = cfg.Chain.PayTo
	}
	asset := c.asset
	if asset == "" {
		asset = cfg.Chain.Asset
	}

	ctx := cmd.Context()
	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial ledger rpc: %w", err)
	}
	defer eth.Close()

	challenge := &payment.Challenge{
		ActionID:     "cli",
		RouteID:      "cli",
		Asset:        asset,
		AmountAtomic: atomic,
		PayTo:        payTo,
		ExpiresAt:    time.Now().Add(time.Minute).Unix(),
		ProtocolMode: payment.ProtocolDirectTransfer,
	}
	res, err := payment.NewDirectVerifier(eth).Verify(ctx, challenge, c.txHash)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Verified {
		return fmt.Errorf("transfer not verified: %s", res.Reason)
	}
	return nil
}
