// Command coredora runs the DHCPv4/DHCPv6 server: it loads the YAML
// network configuration, wires the plugin pipeline for both address
// families, binds the configured interfaces, and serves until signaled
// to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coredora/coredora/internal/adminapi"
	"github.com/coredora/coredora/internal/allocator"
	"github.com/coredora/coredora/internal/config"
	"github.com/coredora/coredora/internal/coordinator"
	"github.com/coredora/coredora/internal/ddns"
	"github.com/coredora/coredora/internal/dhcpmodel"
	"github.com/coredora/coredora/internal/hostopts"
	"github.com/coredora/coredora/internal/kv"
	"github.com/coredora/coredora/internal/leasestore"
	"github.com/coredora/coredora/internal/listener"
	"github.com/coredora/coredora/internal/metrics"
	"github.com/coredora/coredora/internal/pingcheck"
	"github.com/coredora/coredora/internal/plugin"
	"github.com/coredora/coredora/internal/plugins"
	"github.com/coredora/coredora/internal/v4engine"
	"github.com/coredora/coredora/internal/v6engine"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "coredora: "+err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	settings, err := config.ParseSettings(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	log, err := buildLogger(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	if settings.ConfigPath == "" {
		return fmt.Errorf("no config path: pass --config or set CONFIG_PATH")
	}
	norm, err := config.Load(settings.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if settings.InstanceID != "" {
		norm.ServerID = settings.InstanceID
	}

	dbPath := settings.DatabaseURL
	if dbPath == "" {
		dbPath = "coredora.db"
	}
	leaseStore, err := leasestore.OpenSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}

	alloc := allocator.New(leaseStore, nil)

	kvStore, err := buildKVStore(settings, norm)
	if err != nil {
		return fmt.Errorf("build kv store: %w", err)
	}
	if kvStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := kvStore.SelfTest(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("kv self-test: %w", err)
		}
	}

	clustered := norm.Cluster.Enabled || settings.BackendMode == "nats"
	var coord *coordinator.Coordinator
	if clustered {
		coord = coordinator.New(alloc, kvStore, log, norm.ServerID, 5*time.Second)
		if err := coord.Start(context.Background()); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
	}

	metricsReg := metrics.New()
	metricsReg.MustRegister(prometheus.DefaultRegisterer)

	var hostStore *hostopts.Store
	if kvStore != nil {
		hostStore = hostopts.New(kvStore.HostOptions())
	}

	var ddnsClient *ddns.Client
	if norm.DDNS.Enabled {
		exchanger := ddns.NewExchanger(norm.DDNS.Server, norm.DDNS.Timeout)
		ddnsClient = ddns.New(exchanger, norm.DDNS.Zone, norm.DDNS.PTRZone, ddns.TSIGConfig{
			KeyName:   norm.DDNS.TSIGKeyName,
			Algorithm: norm.DDNS.TSIGAlgorithm,
			Secret:    norm.DDNS.TSIGSecret,
		})
	}

	prober := pingcheck.New()

	v4Pipeline, err := buildV4Pipeline(norm, alloc, coord, hostStore, ddnsClient, prober, log)
	if err != nil {
		return fmt.Errorf("build v4 pipeline: %w", err)
	}
	v6Pipeline, err := buildV6Pipeline(norm, alloc, coord, hostStore, ddnsClient, log)
	if err != nil {
		return fmt.Errorf("build v6 pipeline: %w", err)
	}

	lookupSubnet := subnetLookup(norm.Networks)

	v4eng := v4engine.New(v4engine.Config{
		Pipeline:      v4Pipeline,
		LookupSubnet:  lookupSubnet,
		InterfaceAddr: interfaceAddrV4,
		ChaddrOnly:    false,
		RapidCommit:   true,
		BootpEnable:   true,
		Flood:         v4engine.FloodLimit{Packets: 32, Window: time.Second},
		Log:           log,
	})
	v6eng := v6engine.New(v6engine.Config{
		Pipeline:      v6Pipeline,
		LookupSubnet:  lookupSubnet,
		InterfaceAddr: interfaceAddrV6,
		RapidCommit:   true,
		Log:           log,
	})

	addrs, err := bindAddresses(settings)
	if err != nil {
		return fmt.Errorf("resolve bind addresses: %w", err)
	}

	lsn := listener.New(listener.Config{
		Interfaces:  settings.Interfaces,
		Addresses:   addrs,
		V4:          v4eng,
		V6:          v6eng,
		MaxLiveMsgs: settings.MaxLiveMsgs,
		Timeout:     settings.RequestTimeout,
		Metrics:     metricsReg,
		Log:         log,
	})
	if err := lsn.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	admin := adminapi.New(coord, &leaseLister{networks: norm.Networks, store: leaseStore}, norm, log)
	adminSrv := &http.Server{Addr: settings.AdminAddr, Handler: admin.Handler()}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("admin server stopped", zap.Error(err))
		}
	}()

	if coord != nil {
		go reconcileLoop(context.Background(), coord, metricsReg, log)
	}

	log.Info("coredora started",
		zap.String("server_id", norm.ServerID),
		zap.String("v4_addr", settings.V4Addr),
		zap.String("v6_addr", settings.V6Addr),
		zap.String("admin_addr", settings.AdminAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(ctx)
	return lsn.Stop()
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func bindAddresses(s *config.Settings) ([]*net.UDPAddr, error) {
	v4, err := net.ResolveUDPAddr("udp4", s.V4Addr)
	if err != nil {
		return nil, fmt.Errorf("v4 addr %q: %w", s.V4Addr, err)
	}
	v6, err := net.ResolveUDPAddr("udp6", s.V6Addr)
	if err != nil {
		return nil, fmt.Errorf("v6 addr %q: %w", s.V6Addr, err)
	}
	return []*net.UDPAddr{v4, v6}, nil
}

func buildKVStore(s *config.Settings, norm *config.Normalized) (kv.Store, error) {
	mode := s.BackendMode
	if norm.Cluster.Enabled {
		mode = "nats"
	}
	switch mode {
	case "nats":
		servers := s.NATSServers
		if len(servers) == 0 {
			servers = norm.Cluster.NATSServers
		}
		return kv.DialNATS(context.Background(), kv.NATSConfig{
			Servers:      strings.Join(servers, ","),
			LeasesBucket: norm.Cluster.Bucket,
		})
	case "mem", "":
		return kv.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", mode)
	}
}

func subnetLookup(networks []*dhcpmodel.NetworkConfig) func(netip.Addr) (*dhcpmodel.NetworkConfig, bool) {
	return func(addr netip.Addr) (*dhcpmodel.NetworkConfig, bool) {
		for _, n := range networks {
			if n.Subnet.Contains(addr) {
				return n, true
			}
		}
		return nil, false
	}
}

func interfaceAddrV4(iface string) (netip.Addr, bool) {
	return firstInterfaceAddr(iface, func(ip net.IP) bool { return ip.To4() != nil })
}

func interfaceAddrV6(iface string) (netip.Addr, bool) {
	return firstInterfaceAddr(iface, func(ip net.IP) bool { return ip.To4() == nil })
}

func firstInterfaceAddr(iface string, match func(net.IP) bool) (netip.Addr, bool) {
	if iface == "" {
		return netip.Addr{}, false
	}
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return netip.Addr{}, false
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || !match(ipn.IP) {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipn.IP); ok {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

func buildV4Pipeline(norm *config.Normalized, alloc *allocator.Allocator, coord *coordinator.Coordinator, hostStore *hostopts.Store, ddnsClient *ddns.Client, prober plugins.Pinger, log *zap.Logger) (*plugin.Pipeline, error) {
	regs := []plugin.Registration{
		{Plugin: plugins.NewClassify(norm.Classes, log)},
		{Plugin: plugins.NewReservation()},
		{Plugin: plugins.NewAllocateV4(alloc, coord, prober, log)},
		{Plugin: plugins.NewStaticOpts()},
		{Plugin: plugins.NewHostOptions(hostStore)},
		{Plugin: plugins.NewDDNS(ddnsClient, norm.DDNS.Timeout, norm.DDNS.MaxInFlight, log)},
		{Plugin: plugins.NewAccessLog(log)},
	}
	return plugin.Build(dhcpmodel.FamilyV4, regs)
}

func buildV6Pipeline(norm *config.Normalized, alloc *allocator.Allocator, coord *coordinator.Coordinator, hostStore *hostopts.Store, ddnsClient *ddns.Client, log *zap.Logger) (*plugin.Pipeline, error) {
	regs := []plugin.Registration{
		{Plugin: plugins.NewClassify(norm.Classes, log)},
		{Plugin: plugins.NewReservation()},
		{Plugin: plugins.NewAllocateV6(alloc, coord, log)},
		{Plugin: plugins.NewStaticOpts()},
		{Plugin: plugins.NewHostOptions(hostStore)},
		{Plugin: plugins.NewDDNS(ddnsClient, norm.DDNS.Timeout, norm.DDNS.MaxInFlight, log)},
		{Plugin: plugins.NewAccessLog(log)},
	}
	return plugin.Build(dhcpmodel.FamilyV6, regs)
}

func reconcileLoop(ctx context.Context, coord *coordinator.Coordinator, reg *metrics.Registry, log *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	var lastRecon, lastRecords uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coord.Reconcile(ctx)
			reconciliations, records := coord.Counters()
			reg.Reconciliations.Add(float64(reconciliations - lastRecon))
			reg.RecordsReconciled.Add(float64(records - lastRecords))
			lastRecon, lastRecords = reconciliations, records
			state := 0.0
			if coord.CurrentState() == coordinator.StateDegraded {
				state = 1.0
			}
			reg.CoordinatorState.Set(state)
			log.Debug("reconcile pass", zap.Uint64("reconciliations", reconciliations), zap.Uint64("records", records))
		}
	}
}

// leaseLister adapts the per-network lease store into the admin API's
// flat listing contract.
type leaseLister struct {
	networks []*dhcpmodel.NetworkConfig
	store    leasestore.Store
}

func (l *leaseLister) ListLeases() ([]dhcpmodel.LeaseRecord, error) {
	var out []dhcpmodel.LeaseRecord
	for _, n := range l.networks {
		err := l.store.ScanRange(n.Subnet.String(), n.Subnet.Addr(), lastAddr(n.Subnet), func(rec dhcpmodel.LeaseRecord) (bool, error) {
			out = append(out, rec)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func lastAddr(p netip.Prefix) netip.Addr {
	addr := p.Addr()
	bits := addr.BitLen() - p.Bits()
	raw := addr.AsSlice()
	for i := 0; i < bits; i++ {
		byteIdx := len(raw) - 1 - i/8
		raw[byteIdx] |= 1 << uint(i%8)
	}
	out, _ := netip.AddrFromSlice(raw)
	return out
}
