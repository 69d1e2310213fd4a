package server

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/matheus3301/courier/internal/config"
	"go.uber.org/zap"
)

// Registrar announces this relay instance to Consul so gateways can
// discover it. A nil Registrar does nothing.
type Registrar struct {
	agent  *consulapi.Agent
	id     string
	name   string
	logger *zap.Logger
}

// NewRegistrar returns nil when no Consul address is configured.
func NewRegistrar(cfg config.ConsulCfg, instance string, logger *zap.Logger) (*Registrar, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Addr
	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Registrar{
		agent:  client.Agent(),
		id:     cfg.ServiceName + "-" + instance,
		name:   cfg.ServiceName,
		logger: logger,
	}, nil
}

// Register adds the instance with an HTTP health check on /health.
func (r *Registrar) Register(host string, port int) error {
	if r == nil {
		return nil
	}
	reg := &consulapi.AgentServiceRegistration{
		ID:      r.id,
		Name:    r.name,
		Address: host,
		Port:    port,
		Tags:    []string{"relay", "websocket"},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", host, port),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := r.agent.ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}
	r.logger.Info("registered with consul", zap.String("service_id", r.id))
	return nil
}

func (r *Registrar) Deregister() error {
	if r == nil {
		return nil
	}
	return r.agent.ServiceDeregister(r.id)
}
