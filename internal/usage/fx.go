package usage

import (
	"github.com/smallbiznis/walletledger/internal/usage/liveevents"
	"github.com/smallbiznis/walletledger/internal/usage/repository"
	"github.com/smallbiznis/walletledger/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(liveevents.ProvideHub),
	fx.Provide(service.NewService),
)
