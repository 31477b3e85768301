// Package integration runs the integration methods over reflections.
//
// A single reflection goes through mask classification, a usable-foreground
// check, background estimation and then every requested method. Methods form a
// closed set (models.Method) dispatched by a switch. The batch pipeline in
// batch.go runs reflections in parallel and learns the reference profiles
// between its two parallel phases.
package integration

import (
	"fmt"
	"runtime"
	"sync"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/background"
	"shoeboxintegrate/pkg/config"
	"shoeboxintegrate/pkg/fitting"
	"shoeboxintegrate/pkg/mask"
	"shoeboxintegrate/pkg/profile"
	"shoeboxintegrate/pkg/summation"
	"shoeboxintegrate/pkg/twod"
)

// Reflection is one input to the integrator
type Reflection struct {
	Shoebox *models.Shoebox

	// Region is the predicted foreground region
	Region mask.Region

	// Strong marks the reflection as a profile contributor. When nil the
	// summation I/sigma decides.
	Strong *bool
}

// ID returns the reflection identifier carried by the shoebox
func (r Reflection) ID() int64 {
	if r.Shoebox == nil {
		return 0
	}
	return r.Shoebox.ReflectionID
}

// Integrator holds the configured algorithms. It keeps no per-reflection state
// and is safe for concurrent use.
type Integrator struct {
	estimator  *background.Estimator
	fitter     *fitting.Fitter
	bgParams   background.Params
	fitParams  fitting.Params
	profParams profile.Params
	methods    []models.Method
	strongIOS  float64
	workers    int
	locations  []profile.Location
	verbose    bool

	// resources built for the last profile set passed to Integrate
	mu     sync.Mutex
	cached *resources
}

// NewIntegrator builds an integrator from a validated configuration
func NewIntegrator(cfg *config.Config) (*Integrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	bgParams, err := cfg.BackgroundParams()
	if err != nil {
		return nil, err
	}
	fitParams, err := cfg.FittingParams()
	if err != nil {
		return nil, err
	}
	methods, err := cfg.Methods()
	if err != nil {
		return nil, err
	}
	workers := cfg.Processing.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Integrator{
		estimator:  background.NewEstimator(bgParams),
		fitter:     fitting.NewFitter(fitParams),
		bgParams:   bgParams,
		fitParams:  fitParams,
		profParams: cfg.ProfileParams(),
		methods:    methods,
		strongIOS:  cfg.Profile.StrongIOverSigma,
		workers:    workers,
		locations: profile.GridLocations(cfg.Profile.GridX, cfg.Profile.GridY,
			cfg.Profile.DetectorWidth, cfg.Profile.DetectorHeight, 0),
		verbose: cfg.Output.Verbose,
	}, nil
}

// Methods returns the methods run for every reflection
func (it *Integrator) Methods() []models.Method {
	return append([]models.Method(nil), it.methods...)
}

// wants reports whether a method was requested
func (it *Integrator) wants(m models.Method) bool {
	for _, have := range it.methods {
		if have == m {
			return true
		}
	}
	return false
}

// needsProfile reports whether any requested method uses a reference profile
func (it *Integrator) needsProfile() bool {
	return it.wants(models.MethodProfileFitting) || it.wants(models.MethodTwoD)
}

// prepared is the shared first stage of every method for one reflection
type prepared struct {
	refl Reflection

	// status is StatusSuccess when the background was fitted
	status    models.Status
	bg        *background.Model
	corrected []float64

	// sum is always computed; it selects strong reflections
	sum models.Result
}

// prepare classifies the mask, checks the foreground and fits the background.
// An error means the geometry was invalid and no result can be produced.
func (it *Integrator) prepare(r Reflection) (*prepared, error) {
	if r.Shoebox == nil {
		return nil, fmt.Errorf("%w: reflection without shoebox", mask.ErrInvalidGeometry)
	}
	if err := mask.Classify(r.Shoebox, r.Region); err != nil {
		return nil, err
	}
	p := &prepared{refl: r}
	id := r.ID()
	if mask.CountForeground(r.Shoebox) == 0 {
		p.status = models.StatusFailedAllForegroundMasked
		p.sum = models.Failed(id, models.MethodSummation, p.status)
		return p, nil
	}
	bg, status := it.estimator.Estimate(r.Shoebox)
	p.status = status
	if !status.OK() {
		p.sum = models.Failed(id, models.MethodSummation, status)
		return p, nil
	}
	p.bg = bg
	p.corrected = background.Subtract(r.Shoebox, bg)
	p.sum = summation.Integrate(r.Shoebox, bg)
	return p, nil
}

// strong reports whether a prepared reflection may contribute to a profile
func (it *Integrator) strong(p *prepared) bool {
	if !p.status.OK() || !p.sum.Status.OK() {
		return false
	}
	if p.refl.Strong != nil {
		return *p.refl.Strong
	}
	return p.sum.IOverSigma() >= it.strongIOS
}

// resources are the read-only profile products shared by every reflection of a batch
type resources struct {
	profiles *profile.Set

	// one 2D integrator per learned profile, plus a summation-only fallback
	twods    map[*profile.Profile]*twod.Integrator
	fallback *twod.Integrator
}

func (it *Integrator) newResources(profiles *profile.Set) *resources {
	res := &resources{
		profiles: profiles,
		twods:    make(map[*profile.Profile]*twod.Integrator),
		fallback: twod.New(it.bgParams, it.fitParams, nil),
	}
	if profiles != nil {
		for _, loc := range profiles.Locations() {
			prof := profiles.Nearest(loc.X, loc.Y, loc.Z)
			if _, ok := res.twods[prof]; !ok {
				res.twods[prof] = twod.New(it.bgParams, it.fitParams, prof)
			}
		}
	}
	return res
}

// profileFor returns the reference profile nearest to the reflection, or nil
func (res *resources) profileFor(r Reflection) *profile.Profile {
	if res.profiles == nil {
		return nil
	}
	centre := r.Region.Center()
	return res.profiles.Nearest(centre[0], centre[1], centre[2])
}

// finish runs the requested methods on a prepared reflection
func (it *Integrator) finish(p *prepared, res *resources) []models.Result {
	out := make([]models.Result, 0, len(it.methods))
	id := p.refl.ID()
	for _, m := range it.methods {
		switch m {
		case models.MethodSummation:
			out = append(out, p.sum)

		case models.MethodProfileFitting:
			if !p.status.OK() {
				out = append(out, models.Failed(id, m, p.status))
				continue
			}
			var values []float64
			if prof := res.profileFor(p.refl); prof != nil {
				values = prof.Sample(p.refl.Shoebox, p.refl.Region.Center())
			} else {
				// without a profile the fit has nothing to scale and diverges
				values = make([]float64, p.refl.Shoebox.Len())
			}
			out = append(out, it.fitter.Fit(p.refl.Shoebox, p.bg, values))

		case models.MethodTwoD:
			// frames carry their own background, so the 3D status does not apply
			if p.status == models.StatusFailedAllForegroundMasked {
				out = append(out, models.Failed(id, m, p.status))
				continue
			}
			td := res.fallback
			if prof := res.profileFor(p.refl); prof != nil {
				td = res.twods[prof]
			}
			out = append(out, td.Integrate(p.refl.Shoebox, p.refl.Region).Result)
		}
	}
	return out
}

// resourcesFor returns the resources of a profile set, building them only when
// the set differs from the one seen last
func (it *Integrator) resourcesFor(profiles *profile.Set) *resources {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.cached == nil || it.cached.profiles != profiles {
		it.cached = it.newResources(profiles)
	}
	return it.cached
}

// Integrate runs every configured method on one reflection. profiles may be
// nil, in which case profile fitting fails as diverged and the 2D method
// falls back to summation. A single profile is passed as profile.NewSet(p).
// The returned error is always mask.ErrInvalidGeometry.
func (it *Integrator) Integrate(r Reflection, profiles *profile.Set) ([]models.Result, error) {
	p, err := it.prepare(r)
	if err != nil {
		return nil, err
	}
	return it.finish(p, it.resourcesFor(profiles)), nil
}
