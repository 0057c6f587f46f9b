package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/serumdex/pkg/client"
	"github.com/uhyunpark/serumdex/pkg/dex"
	"github.com/uhyunpark/serumdex/pkg/dex/book"
	"github.com/uhyunpark/serumdex/pkg/dex/layout"
)

// keyFlag is a base58 public key flag. The zero key means unset.
type keyFlag struct{ solana.PublicKey }

func (k *keyFlag) String() string {
	if k == nil || k.IsZero() {
		return ""
	}
	return k.PublicKey.String()
}

func (k *keyFlag) Set(s string) error {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return fmt.Errorf("invalid public key %q: %w", s, err)
	}
	k.PublicKey = pk
	return nil
}

func keyVar(fs *flag.FlagSet, name, usage string) *keyFlag {
	k := &keyFlag{}
	fs.Var(k, name, usage)
	return k
}

func required(name string, k *keyFlag) error {
	if k.IsZero() {
		return fmt.Errorf("-%s is required", name)
	}
	return nil
}

func createMarketCmd(fs *flag.FlagSet) runner {
	baseMint := keyVar(fs, "base-mint", "base token mint")
	quoteMint := keyVar(fs, "quote-mint", "quote token mint")
	baseLot := fs.Uint64("base-lot", 0, "base lot size in native units")
	quoteLot := fs.Uint64("quote-lot", 0, "quote lot size in native units")
	feeBps := fs.Uint("fee-bps", 0, "fee rate in basis points")
	dust := fs.Uint64("dust", 0, "quote dust threshold in native units")

	return func(ctx context.Context, s *client.Session) error {
		if err := required("base-mint", baseMint); err != nil {
			return err
		}
		if err := required("quote-mint", quoteMint); err != nil {
			return err
		}
		if *feeBps > 0xffff {
			return fmt.Errorf("-fee-bps %d out of range", *feeBps)
		}
		res, err := s.Markets().Create(ctx, client.CreateMarketParams{
			BaseMint:           baseMint.PublicKey,
			QuoteMint:          quoteMint.PublicKey,
			BaseLotSize:        *baseLot,
			QuoteLotSize:       *quoteLot,
			FeeRateBps:         uint16(*feeBps),
			QuoteDustThreshold: *dust,
		})
		if err != nil {
			return err
		}
		printMarket(res)
		return nil
	}
}

func resumeMarketCmd(fs *flag.FlagSet) runner {
	market := keyVar(fs, "market", "market address of the interrupted creation")

	return func(ctx context.Context, s *client.Session) error {
		if market.IsZero() {
			pending, err := s.Markets().Pending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No interrupted market creations")
				return nil
			}
			for _, rec := range pending {
				fmt.Printf("%s  step=%s  updated=%s\n", rec.Market, rec.Step, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		}
		res, err := s.Markets().Resume(ctx, market.PublicKey)
		if err != nil {
			return err
		}
		printMarket(res)
		return nil
	}
}

func printMarket(res *client.CreateMarketResult) {
	fmt.Printf("Market:        %s\n", res.Market)
	fmt.Printf("Vault signer:  %s (nonce %d)\n", res.VaultSigner, res.VaultSignerNonce)
	fmt.Printf("Request queue: %s\n", res.Accounts.RequestQueue)
	fmt.Printf("Event queue:   %s\n", res.Accounts.EventQueue)
	fmt.Printf("Bids:          %s\n", res.Accounts.Bids)
	fmt.Printf("Asks:          %s\n", res.Accounts.Asks)
	fmt.Printf("Base vault:    %s\n", res.Accounts.BaseVault)
	fmt.Printf("Quote vault:   %s\n", res.Accounts.QuoteVault)
	fmt.Printf("Vaults tx:     %s\n", res.VaultsSignature)
	fmt.Printf("Market tx:     %s\n", res.MarketSignature)
}

func placeOrderCmd(fs *flag.FlagSet) runner {
	market := keyVar(fs, "market", "market address")
	payer := keyVar(fs, "payer", "token account funding the order (quote for buys, base for sells)")
	feeDiscount := keyVar(fs, "fee-discount", "optional fee discount token account")
	side := fs.String("side", "", "buy or sell")
	price := fs.String("price", "", "limit price")
	size := fs.String("size", "", "order size in base units")
	orderType := fs.String("type", dex.Limit.String(), "limit, ioc or postOnly")
	selfTrade := fs.String("self-trade", dex.DecrementTake.String(), "decrementTake, cancelProvide or abortTransaction")
	clientID := fs.Uint64("client-id", 0, "client order id")

	return func(ctx context.Context, s *client.Session) error {
		if err := required("market", market); err != nil {
			return err
		}
		if err := required("payer", payer); err != nil {
			return err
		}
		p := client.PlaceOrderParams{
			Payer:       payer.PublicKey,
			ClientID:    *clientID,
			FeeDiscount: feeDiscount.PublicKey,
		}
		var err error
		if p.Side, err = dex.ParseSide(*side); err != nil {
			return err
		}
		if p.OrderType, err = dex.ParseOrderType(*orderType); err != nil {
			return err
		}
		if p.SelfTrade, err = dex.ParseSelfTradeBehavior(*selfTrade); err != nil {
			return err
		}
		if p.Price, err = decimal.NewFromString(*price); err != nil {
			return fmt.Errorf("invalid price %q: %w", *price, err)
		}
		if p.Size, err = decimal.NewFromString(*size); err != nil {
			return fmt.Errorf("invalid size %q: %w", *size, err)
		}

		res, err := s.PlaceOrder(ctx, market.PublicKey, p)
		if err != nil {
			return err
		}
		fmt.Printf("Signature:   %s\n", res.Signature)
		fmt.Printf("Open orders: %s", res.OpenOrders)
		if res.CreatedOpenOrders {
			fmt.Print(" (created)")
		}
		fmt.Println()
		fmt.Printf("Price lots:  %d\n", res.Quantities.PriceLots)
		fmt.Printf("Size lots:   %d\n", res.Quantities.SizeLots)
		fmt.Printf("Max quote:   %d\n", res.Quantities.MaxQuote)
		return nil
	}
}

func cancelOrderCmd(fs *flag.FlagSet) runner {
	market := keyVar(fs, "market", "market address")
	openOrders := keyVar(fs, "open-orders", "open orders account holding the order (looked up when unset)")
	side := fs.String("side", "", "order side, required with -open-orders and -order-id")
	orderID := fs.String("order-id", "", "order id (u128, decimal)")
	clientID := fs.Uint64("client-id", 0, "client order id")

	return func(ctx context.Context, s *client.Session) error {
		if err := required("market", market); err != nil {
			return err
		}
		req := client.CancelRequest{OpenOrders: openOrders.PublicKey, ClientID: *clientID}
		if *orderID != "" {
			id, err := layout.ParseU128(*orderID)
			if err != nil {
				return err
			}
			req.OrderID = id
		} else if *clientID == 0 {
			return fmt.Errorf("one of -order-id or -client-id is required")
		}
		if *side != "" {
			sd, err := dex.ParseSide(*side)
			if err != nil {
				return err
			}
			req.Side = sd
		} else if !req.OpenOrders.IsZero() && !req.OrderID.IsZero() {
			return fmt.Errorf("-side is required with -open-orders and -order-id")
		}

		sig, err := s.CancelOrder(ctx, market.PublicKey, req)
		if err != nil {
			return err
		}
		fmt.Printf("Cancelled %s: %s\n", req, sig)
		return nil
	}
}

func settleCmd(fs *flag.FlagSet) runner {
	market := keyVar(fs, "market", "market address")
	openOrders := keyVar(fs, "open-orders", "open orders account (default: the wallet's first)")
	baseWallet := keyVar(fs, "base-wallet", "base token account receiving base funds")
	quoteWallet := keyVar(fs, "quote-wallet", "quote token account receiving quote funds")
	referrer := keyVar(fs, "referrer", "optional referrer quote token account")
	dryRun := fs.Bool("dry-run", false, "only print unsettled balances")

	return func(ctx context.Context, s *client.Session) error {
		if err := required("market", market); err != nil {
			return err
		}
		balances, err := s.UnsettledBalances(ctx, market.PublicKey, s.Wallet())
		if err != nil {
			return err
		}
		for _, b := range balances {
			fmt.Printf("%s  base=%s  quote=%s\n", b.OpenOrders, b.Base, b.Quote)
		}
		if *dryRun {
			return nil
		}
		if err := required("base-wallet", baseWallet); err != nil {
			return err
		}
		if err := required("quote-wallet", quoteWallet); err != nil {
			return err
		}
		sig, err := s.Settle(ctx, market.PublicKey, client.SettleParams{
			OpenOrders:  openOrders.PublicKey,
			BaseWallet:  baseWallet.PublicKey,
			QuoteWallet: quoteWallet.PublicKey,
			Referrer:    referrer.PublicKey,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Settled: %s\n", sig)
		return nil
	}
}

func readBookCmd(fs *flag.FlagSet) runner {
	market := keyVar(fs, "market", "market address")
	depth := fs.Int("depth", 10, "price levels per side, 0 for all")
	own := fs.Bool("own", true, "also print the wallet's own orders")

	return func(ctx context.Context, s *client.Session) error {
		if err := required("market", market); err != nil {
			return err
		}
		snap, err := s.ReadBook(ctx, market.PublicKey)
		if err != nil {
			return err
		}
		printLevels("Asks", snap.Asks.Levels(*depth))
		printLevels("Bids", snap.Bids.Levels(*depth))
		if len(snap.Fills) > 0 {
			fmt.Printf("Fills (%d unconsumed)\n", len(snap.Fills))
			for _, e := range snap.Fills {
				fmt.Printf("  %-4s paid=%d released=%d client_id=%d maker=%t\n",
					e.Side(), e.NativeQuantityPaid, e.NativeQuantityReleased, e.ClientOrderID, e.IsMaker())
			}
		}
		if !*own {
			return nil
		}
		orders, err := s.OwnOrders(ctx, snap, s.Wallet())
		if err != nil {
			return err
		}
		fmt.Printf("Own orders (%d)\n", len(orders))
		for _, o := range orders {
			printOrder(o)
		}
		return nil
	}
}

func printLevels(title string, levels []book.Level) {
	fmt.Printf("%s (%d levels)\n", title, len(levels))
	for _, l := range levels {
		fmt.Printf("  %14s  %14s  (%d orders)\n", l.Price, l.Size, l.Orders)
	}
}

func printOrder(o book.Order) {
	fmt.Printf("  %-4s %14s @ %-14s client_id=%d order_id=%s\n", o.Side, o.Size, o.Price, o.ClientID, o.OrderID)
}

func closeOpenOrdersCmd(fs *flag.FlagSet) runner {
	address := keyVar(fs, "address", "open orders account to close")

	return func(ctx context.Context, s *client.Session) error {
		if err := required("address", address); err != nil {
			return err
		}
		sig, err := s.CloseOpenOrders(ctx, address.PublicKey)
		if err != nil {
			return err
		}
		fmt.Printf("Closed %s: %s\n", address, sig)
		return nil
	}
}
