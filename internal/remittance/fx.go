package remittance

import (
	"github.com/smallbiznis/remittance/internal/remittance/repository"
	"github.com/smallbiznis/remittance/internal/remittance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("remittance.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.NewRetrySweeper),
)
