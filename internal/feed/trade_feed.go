package feed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
)

const reconnectDelay = 2 * time.Second

// NormalizeWallet returns the EIP-55 checksummed form of addr, and false if
// addr is not a hex address.
func NormalizeWallet(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return common.HexToAddress(addr).Hex(), true
}

// TradeFeed keeps a connection to the activity stream open and publishes
// each valid trade to a Broadcaster. It redials after every disconnect.
type TradeFeed struct {
	wsURL  string
	out    *Broadcaster
	logger *slog.Logger
}

// NewTradeFeed creates a TradeFeed publishing to out.
func NewTradeFeed(wsURL string, out *Broadcaster, logger *slog.Logger) *TradeFeed {
	return &TradeFeed{
		wsURL:  wsURL,
		out:    out,
		logger: logger.With(slog.String("component", "trade_feed")),
	}
}

// Run connects and republishes until ctx is cancelled.
func (f *TradeFeed) Run(ctx context.Context) error {
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.logger.WarnContext(ctx, "trade feed disconnected, reconnecting", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *TradeFeed) runConnection(ctx context.Context) error {
	client := polymarket.NewWSClient(f.wsURL, f.Handle)
	defer client.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "trade feed connected")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Done():
		return err
	}
}

// Handle validates ev and publishes it with a normalized wallet address.
func (f *TradeFeed) Handle(ev domain.TradeEvent) {
	wallet, ok := NormalizeWallet(ev.WalletAddress)
	if !ok || ev.MarketID == "" {
		f.logger.Debug("dropping malformed trade", slog.String("wallet", ev.WalletAddress))
		return
	}
	ev.WalletAddress = wallet
	f.out.Publish(ev)
}
