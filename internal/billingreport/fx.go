package billingreport

import (
	"github.com/smallbiznis/walletledger/internal/billingreport/service"
	"github.com/smallbiznis/walletledger/internal/billingreport/statement"
	"go.uber.org/fx"
)

var Module = fx.Module("billingreport.service",
	fx.Provide(service.NewService),
	fx.Provide(statement.NewRenderer),
)
