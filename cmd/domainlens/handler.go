package main

import (
	"context"
	"fmt"
	"net"

	"domainlens/pkg/config"
	"domainlens/pkg/dictionary"
	"domainlens/pkg/dns"
	"domainlens/pkg/logging"
	"domainlens/pkg/policy"
	"domainlens/pkg/telemetry"

	mdns "github.com/miekg/dns"
)

// handlerSet is the request handler plus the parts serve keeps alive.
type handlerSet struct {
	handler dns.RequestHandler

	// Set in index mode only.
	manager *dictionary.Manager
	policy  *policy.Engine
}

// buildHandler creates the request handler selected by cfg.Handler.Mode. In
// index mode the dictionary manager is started and returned so the caller can
// stop it; the initial load must succeed.
func buildHandler(ctx context.Context, cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics) (*handlerSet, error) {
	static := &dns.StaticHandler{
		Address: net.ParseIP(cfg.Handler.Address),
		TTL:     cfg.Handler.TTL,
	}
	if cfg.Handler.Mode == "static" {
		return &handlerSet{handler: static}, nil
	}

	engine, err := buildPolicy(cfg.Handler.Rules)
	if err != nil {
		return nil, err
	}

	manager, err := newDictionaryManager(cfg, logger.WithField("component", "dictionary"), metrics)
	if err != nil {
		return nil, err
	}
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	h := dns.NewIndexHandler(manager.Holder(), dictionary.NormalizerFor(cfg.Dictionary.Normalize))
	h.Policy = engine
	h.Address = net.ParseIP(cfg.Handler.Address)
	if cfg.Handler.AddressV6 != "" {
		h.AddressV6 = net.ParseIP(cfg.Handler.AddressV6)
	}
	h.TTL = cfg.Handler.TTL
	h.Logger = logger
	h.Metrics = metrics

	switch cfg.Handler.Fallback {
	case "static":
		h.Next = static
	case "drop":
		h.Next = dns.HandlerFunc(func(context.Context, *mdns.Msg, net.Addr) *mdns.Msg {
			return nil
		})
	}

	logger.Info("Index handler configured",
		"rules", ruleNames(engine),
		"fallback", cfg.Handler.Fallback,
		"normalize", cfg.Dictionary.Normalize)

	return &handlerSet{handler: h, manager: manager, policy: engine}, nil
}

func newDictionaryManager(cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics) (*dictionary.Manager, error) {
	format, err := dictionary.ParseFormat(cfg.Dictionary.Format)
	if err != nil {
		return nil, err
	}

	loader := dictionary.NewLoader(logger, nil, dictionary.NormalizerFor(cfg.Dictionary.Normalize))
	loader.SetMaxDownloadBytes(cfg.Dictionary.MaxDownloadBytes)
	opts := dictionary.Options{
		Source: dictionary.Source{
			Path:   cfg.Dictionary.Path,
			URL:    cfg.Dictionary.URL,
			Format: format,
			Limit:  cfg.Dictionary.Limit,
		},
		RetainReverseIndex: cfg.Dictionary.RetainReverseIndex,
		Watch:              cfg.Dictionary.Watch,
		UpdateInterval:     cfg.Dictionary.UpdateInterval,
	}
	return dictionary.NewManager(opts, loader, dictionary.NewHolder(), logger, metrics), nil
}

// buildPolicy compiles the enabled rules in configuration order.
func buildPolicy(rules []config.PolicyRuleConfig) (*policy.Engine, error) {
	engine := policy.NewEngine()
	for _, rule := range policyRules(rules) {
		if err := engine.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// reloadPolicy swaps the rules of engine for those in cfg. On error the
// running rules stay in place.
func reloadPolicy(engine *policy.Engine, cfg *config.Config, logger *logging.Logger) {
	if err := engine.ReplaceRules(policyRules(cfg.Handler.Rules)); err != nil {
		logger.Error("Failed to reload policy rules", "error", err)
		return
	}
	logger.Info("Policy rules reloaded", "rules", ruleNames(engine))
}

func ruleNames(engine *policy.Engine) []string {
	rules := engine.GetRules()
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}

func policyRules(rules []config.PolicyRuleConfig) []*policy.Rule {
	var out []*policy.Rule
	for i, rc := range rules {
		if !rc.IsEnabled() {
			continue
		}
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		out = append(out, &policy.Rule{
			Name:    name,
			Logic:   rc.Logic,
			Action:  rc.Action,
			Enabled: true,
		})
	}
	return out
}
