//go:build wireinject
// +build wireinject

package di

import (
	domsvc "FinGate/internal/domain/service"
	"FinGate/internal/services/analytics"
	"FinGate/internal/usecase"
	"FinGate/pkg/config"
	"FinGate/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// The returned cleanup releases clients in reverse construction order.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Infrastructure clients
		ProvideRegistry,
		ProvideMetrics,
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideClickHouseClient,
		ProvideCache,

		// Repositories and collaborators
		ProvideRiskStateStore,
		ProvideEventSink,
		ProvideBridge,
		ProvideBarSource,
		ProvideBroker,
		ProvideScorer,
		wire.Bind(new(domsvc.Scorer), new(*analytics.SwappableScorer)),
		ProvideRegimeClassifier,
		ProvideDebater,
		ProvideCritic,
		ProvideNewsCalendar,

		// Use cases
		usecase.NewRiskGateway,
		ProvideAgents,
		usecase.NewScanOrchestrator,

		// Application server
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
