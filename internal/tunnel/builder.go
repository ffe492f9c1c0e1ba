package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sagernet/sing-box/adapter"
	"github.com/sagernet/sing-box/adapter/endpoint"
	"github.com/sagernet/sing-box/adapter/inbound"
	sbOutbound "github.com/sagernet/sing-box/adapter/outbound"
	"github.com/sagernet/sing-box/dns"
	"github.com/sagernet/sing-box/include"
	"github.com/sagernet/sing-box/log"
	"github.com/sagernet/sing-box/option"
	"github.com/sagernet/sing/common"
	sJson "github.com/sagernet/sing/common/json"
	"github.com/sagernet/sing/service"
)

// Builder turns descriptors into dialable outbound instances.
type Builder interface {
	Build(d Descriptor) (adapter.Outbound, error)
}

// SingboxBuilder builds real sing-box shadowsocks outbounds. It holds a
// fully-wired sing-box service graph with DNS so domain-named tunnel
// endpoints resolve. The caller must Close it when done.
type SingboxBuilder struct {
	registry            *sbOutbound.Registry
	ctx                 context.Context
	logFactory          log.Factory
	dnsTransportManager *dns.TransportManager
	dnsRouter           *dns.Router
}

// NewSingboxBuilder constructs the service graph: endpoint, inbound and
// outbound managers, then DNS transport and router, registered into one
// context in dependency order.
func NewSingboxBuilder() (*SingboxBuilder, error) {
	ctx := include.Context(context.Background())

	logFactory := log.NewNOPFactory()
	logger := logFactory.NewLogger("tunnel")

	endpointMgr := endpoint.NewManager(logger, service.FromContext[adapter.EndpointRegistry](ctx))
	service.MustRegister[adapter.EndpointManager](ctx, endpointMgr)

	inboundMgr := inbound.NewManager(logger, service.FromContext[adapter.InboundRegistry](ctx), endpointMgr)
	service.MustRegister[adapter.InboundManager](ctx, inboundMgr)

	outboundMgr := sbOutbound.NewManager(logger, service.FromContext[adapter.OutboundRegistry](ctx), endpointMgr, "")
	service.MustRegister[adapter.OutboundManager](ctx, outboundMgr)

	dnsTransportMgr := dns.NewTransportManager(logger, service.FromContext[adapter.DNSTransportRegistry](ctx), outboundMgr, "")
	service.MustRegister[adapter.DNSTransportManager](ctx, dnsTransportMgr)

	dnsRouter := dns.NewRouter(ctx, logFactory, option.DNSOptions{})
	service.MustRegister[adapter.DNSRouter](ctx, dnsRouter)

	if err := dnsTransportMgr.Create(ctx, logger, "local", "local", &option.LocalDNSServerOptions{}); err != nil {
		return nil, fmt.Errorf("tunnel: create local dns transport: %w", err)
	}
	if err := dnsTransportMgr.Start(adapter.StartStateInitialize); err != nil {
		return nil, fmt.Errorf("tunnel: initialize dns transport manager: %w", err)
	}
	if err := dnsTransportMgr.Start(adapter.StartStateStart); err != nil {
		_ = dnsTransportMgr.Close()
		return nil, fmt.Errorf("tunnel: start dns transport manager: %w", err)
	}
	if err := dnsRouter.Initialize(nil); err != nil {
		_ = dnsTransportMgr.Close()
		return nil, fmt.Errorf("tunnel: initialize dns router: %w", err)
	}
	if err := dnsRouter.Start(adapter.StartStateStart); err != nil {
		_ = dnsRouter.Close()
		_ = dnsTransportMgr.Close()
		return nil, fmt.Errorf("tunnel: start dns router: %w", err)
	}

	registry := service.FromContext[adapter.OutboundRegistry](ctx).(*sbOutbound.Registry)

	return &SingboxBuilder{
		registry:            registry,
		ctx:                 ctx,
		logFactory:          logFactory,
		dnsTransportManager: dnsTransportMgr,
		dnsRouter:           dnsRouter,
	}, nil
}

// Build creates and starts a shadowsocks outbound for d.
func (b *SingboxBuilder) Build(d Descriptor) (adapter.Outbound, error) {
	raw, err := json.Marshal(outboundOptions(d))
	if err != nil {
		return nil, fmt.Errorf("tunnel: marshal options for %s: %w", d.ID, err)
	}

	var outboundConfig option.Outbound
	if err := sJson.UnmarshalContext(b.ctx, raw, &outboundConfig); err != nil {
		return nil, fmt.Errorf("tunnel: parse options for %s: %w", d.ID, err)
	}

	logger := b.logFactory.NewLogger("outbound/" + d.ID.Hex())
	ob, err := b.registry.CreateOutbound(
		b.ctx,
		nil,
		logger,
		outboundConfig.Tag,
		outboundConfig.Type,
		outboundConfig.Options,
	)
	if err != nil {
		return nil, fmt.Errorf("tunnel: create outbound %s: %w", d.ID, err)
	}

	for _, stage := range adapter.ListStartStages {
		if err := adapter.LegacyStart(ob, stage); err != nil {
			_ = common.Close(ob)
			return nil, fmt.Errorf("tunnel: outbound %s start %s: %w", d.ID, stage, err)
		}
	}
	return ob, nil
}

// Close shuts down the builder's DNS services.
func (b *SingboxBuilder) Close() error {
	var errs []error
	if b.dnsRouter != nil {
		errs = append(errs, b.dnsRouter.Close())
	}
	if b.dnsTransportManager != nil {
		errs = append(errs, b.dnsTransportManager.Close())
	}
	return errors.Join(errs...)
}

func outboundOptions(d Descriptor) map[string]any {
	opts := map[string]any{
		"type":        "shadowsocks",
		"tag":         d.ID.Hex(),
		"server":      d.Server,
		"server_port": int(d.Port),
		"method":      d.Method,
		"password":    d.Password,
	}
	if d.Plugin != "" {
		opts["plugin"] = d.Plugin
		opts["plugin_opts"] = d.PluginOpts
	}
	return opts
}
