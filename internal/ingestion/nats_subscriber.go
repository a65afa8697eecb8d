package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the core via the commandChan. JetStream is the primary
// high-throughput ingestion surface; each subject maps to a command type.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is the received-but-undecoded command from NATS, ready for
// the shell to validate and convert into a typed command.Command before
// sending to the core.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command types.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Trading
// subjects carry trader-signed requests; keeper subjects carry relayer
// automation; admin subjects carry parameter management.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.trades.open_limit.>", CommandType: "OpenLimitOrder", ConsumerName: "vault-open-limit", StreamName: "VAULT_TRADES"},
		{Subject: "vault.trades.open_market.>", CommandType: "OpenMarketPosition", ConsumerName: "vault-open-market", StreamName: "VAULT_TRADES"},
		{Subject: "vault.trades.execute.>", CommandType: "ExecuteOrder", ConsumerName: "vault-execute", StreamName: "VAULT_TRADES"},
		{Subject: "vault.trades.cancel.>", CommandType: "CancelOrder", ConsumerName: "vault-cancel", StreamName: "VAULT_TRADES"},
		{Subject: "vault.trades.close.>", CommandType: "CloseMarket", ConsumerName: "vault-close", StreamName: "VAULT_TRADES"},
		{Subject: "vault.trades.close_protected.>", CommandType: "CloseStopTakeProfit", ConsumerName: "vault-close-protected", StreamName: "VAULT_TRADES"},
		{Subject: "vault.trades.liquidate.>", CommandType: "LiquidatePosition", ConsumerName: "vault-liquidate", StreamName: "VAULT_TRADES"},
		{Subject: "vault.trades.update_stops.>", CommandType: "UpdateStops", ConsumerName: "vault-update-stops", StreamName: "VAULT_TRADES"},
		{Subject: "vault.balance.deposit.>", CommandType: "Deposit", ConsumerName: "vault-deposit", StreamName: "VAULT_BALANCE"},
		{Subject: "vault.balance.withdraw.>", CommandType: "Withdraw", ConsumerName: "vault-withdraw", StreamName: "VAULT_BALANCE"},
		{Subject: "vault.keeper.funding.>", CommandType: "UpdateFundingRate", ConsumerName: "vault-funding", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.keeper.pnl.>", CommandType: "SubmitPnl", ConsumerName: "vault-pnl", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.keeper.roll.>", CommandType: "RollEpoch", ConsumerName: "vault-roll", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.keeper.integrate.>", CommandType: "IntegrateDeposits", ConsumerName: "vault-integrate", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.keeper.fund.>", CommandType: "FundWithdrawals", ConsumerName: "vault-fund", StreamName: "VAULT_KEEPER"},
		{Subject: "vault.lp.deposit.>", CommandType: "LpDeposit", ConsumerName: "vault-lp-deposit", StreamName: "VAULT_LP"},
		{Subject: "vault.lp.withdraw.>", CommandType: "LpWithdraw", ConsumerName: "vault-lp-withdraw", StreamName: "VAULT_LP"},
		{Subject: "vault.lp.claim.>", CommandType: "ClaimWithdrawal", ConsumerName: "vault-lp-claim", StreamName: "VAULT_LP"},
		{Subject: "vault.admin.list.>", CommandType: "ListAsset", ConsumerName: "vault-list", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.delist.>", CommandType: "DelistAsset", ConsumerName: "vault-delist", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.lot_ratio.>", CommandType: "UpdateLotRatio", ConsumerName: "vault-lot-ratio", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.funding_spread.>", CommandType: "UpdateFundingSpread", ConsumerName: "vault-funding-spread", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.risk.>", CommandType: "UpdateRiskParams", ConsumerName: "vault-risk", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.relayer.>", CommandType: "SetRelayer", ConsumerName: "vault-relayer", StreamName: "VAULT_ADMIN"},
		{Subject: "vault.admin.fees.>", CommandType: "WithdrawFees", ConsumerName: "vault-fees", StreamName: "VAULT_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_TRADES",
			Subjects:  []string{"vault.trades.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_BALANCE",
			Subjects:  []string{"vault.balance.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_KEEPER",
			Subjects:  []string{"vault.keeper.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_LP",
			Subjects:  []string{"vault.lp.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_ADMIN",
			Subjects:  []string{"vault.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
