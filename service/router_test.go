package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexmx-backend/models"
)

// fakeCatalog reports a fixed set of silos.
type fakeCatalog struct {
	silos map[string]bool
}

func (f *fakeCatalog) HasSilo(_ context.Context, name string) bool {
	return f.silos[name]
}

func (f *fakeCatalog) StateSilos(_ context.Context) []string {
	var out []string
	for s := range f.silos {
		if s != models.SiloFederal && s != models.SiloJurisprudencia &&
			s != models.SiloBloqueConstitucional && s != models.SiloLegacyEstatal {
			out = append(out, s)
		}
	}
	return out
}

func targetNames(targets []SiloTarget) []string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	return names
}

func TestRouteConstitucional(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{}})
	targets := r.Route(context.Background(), models.FueroConstitucional, "")
	assert.Equal(t, []string{models.SiloBloqueConstitucional, models.SiloJurisprudencia}, targetNames(targets))
}

func TestRouteFederal(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{}})
	targets := r.Route(context.Background(), models.FueroFederal, "")
	assert.Equal(t, []string{models.SiloFederal, models.SiloJurisprudencia}, targetNames(targets))
}

func TestRouteEstatalDedicatedSilo(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{"leyes_queretaro": true}})
	targets := r.Route(context.Background(), models.FueroEstatal, "Querétaro")

	require.Len(t, targets, 2)
	assert.Equal(t, "leyes_queretaro", targets[0].Name)
	assert.Nil(t, targets[0].Filter)
	assert.Equal(t, models.SiloJurisprudencia, targets[1].Name)
}

func TestRouteEstatalLegacyFallback(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{models.SiloLegacyEstatal: true}})
	targets := r.Route(context.Background(), models.FueroEstatal, "JALISCO")

	require.Len(t, targets, 2)
	assert.Equal(t, models.SiloLegacyEstatal, targets[0].Name)
	require.NotNil(t, targets[0].Filter)
	assert.Equal(t, "JALISCO", targets[0].Filter.Entidad)
}

func TestRouteEstatalNoStateSearchesAllStateSilos(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{
		"leyes_jalisco":   true,
		"leyes_queretaro": true,
	}})
	targets := r.Route(context.Background(), models.FueroEstatal, "")

	names := targetNames(targets)
	assert.Contains(t, names, "leyes_jalisco")
	assert.Contains(t, names, "leyes_queretaro")
	assert.Equal(t, models.SiloJurisprudencia, names[len(names)-1])
}

func TestRouteMixtoCoversAllCategories(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{"leyes_sonora": true}})
	targets := r.Route(context.Background(), models.FueroMixto, "Sonora")

	names := targetNames(targets)
	assert.Equal(t, models.SiloBloqueConstitucional, names[0])
	assert.Equal(t, models.SiloFederal, names[1])
	assert.Contains(t, names, "leyes_sonora")
	assert.Equal(t, models.SiloJurisprudencia, names[len(names)-1])
}

func TestRouteAlwaysIncludesJurisprudencia(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{}})
	for _, fuero := range []models.Fuero{
		models.FueroConstitucional, models.FueroFederal, models.FueroEstatal, models.FueroMixto, "",
	} {
		names := targetNames(r.Route(context.Background(), fuero, ""))
		assert.Contains(t, names, models.SiloJurisprudencia, "fuero %q", fuero)
	}
}

func TestRouteUnknownEstadoRoutesAsNone(t *testing.T) {
	r := NewSiloRouter(&fakeCatalog{silos: map[string]bool{"leyes_jalisco": true}})
	targets := r.Route(context.Background(), models.FueroEstatal, "Atlántida")

	// Unrecognized state falls back to the union of dedicated state silos.
	names := targetNames(targets)
	assert.Contains(t, names, "leyes_jalisco")
}
