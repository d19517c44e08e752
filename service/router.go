package service

import (
	"context"

	"lexmx-backend/models"
)

// SearchFilter constrains a silo search to a payload subset. Only entidad
// filtering is used by the router; dedicated state silos need no filter because
// the collection itself is the filter.
type SearchFilter struct {
	Entidad string
}

// SiloTarget pairs a silo name with the filter to apply when searching it.
type SiloTarget struct {
	Name   string
	Filter *SearchFilter
}

// SiloCatalog reports which silos exist in the vector store. Implemented by the
// silo repository; faked in tests.
type SiloCatalog interface {
	HasSilo(ctx context.Context, name string) bool
	StateSilos(ctx context.Context) []string
}

// SiloRouter maps (fuero, estado) to the ordered list of silos to search.
type SiloRouter struct {
	catalog SiloCatalog
}

func NewSiloRouter(catalog SiloCatalog) *SiloRouter {
	return &SiloRouter{catalog: catalog}
}

// Route implements the routing policy. jurisprudencia_nacional is always
// included regardless of fuero. estado must already be normalized; an empty or
// unrecognized estado routes as if none was given.
func (r *SiloRouter) Route(ctx context.Context, fuero models.Fuero, estado string) []SiloTarget {
	estado = NormalizeEstado(estado)

	switch fuero {
	case models.FueroConstitucional:
		return []SiloTarget{
			{Name: models.SiloBloqueConstitucional},
			{Name: models.SiloJurisprudencia},
		}
	case models.FueroFederal:
		return []SiloTarget{
			{Name: models.SiloFederal},
			{Name: models.SiloJurisprudencia},
		}
	case models.FueroEstatal:
		targets := r.stateTargets(ctx, estado)
		return append(targets, SiloTarget{Name: models.SiloJurisprudencia})
	default:
		targets := []SiloTarget{
			{Name: models.SiloBloqueConstitucional},
			{Name: models.SiloFederal},
		}
		targets = append(targets, r.stateTargets(ctx, estado)...)
		return append(targets, SiloTarget{Name: models.SiloJurisprudencia})
	}
}

// stateTargets resolves the state portion of a route: the dedicated silo when
// one exists, the legacy collection filtered by entidad when it does not, and
// the union of all dedicated silos when no state was given.
func (r *SiloRouter) stateTargets(ctx context.Context, estado string) []SiloTarget {
	if estado != "" {
		dedicated := StateSiloName(estado)
		if r.catalog.HasSilo(ctx, dedicated) {
			return []SiloTarget{{Name: dedicated}}
		}
		if r.catalog.HasSilo(ctx, models.SiloLegacyEstatal) {
			return []SiloTarget{{
				Name:   models.SiloLegacyEstatal,
				Filter: &SearchFilter{Entidad: estado},
			}}
		}
		return nil
	}

	var targets []SiloTarget
	for _, silo := range r.catalog.StateSilos(ctx) {
		targets = append(targets, SiloTarget{Name: silo})
	}
	return targets
}
