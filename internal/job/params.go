package job

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Parameter defaults
const (
	AnonymousAPIKey = "0000000000"
	DefaultPrompt   = "A cute fox nousr robot"
	DefaultModel    = "Midjourney Diffusion"
	DefaultSampler  = "k_dpm_adaptive"
	MaxImages       = 100
)

// Params is the typed generation request of one job
type Params struct {
	APIKey         string
	Prompt         string
	NSFW           bool
	CensorNSFW     bool
	TrustedWorkers bool
	R2             bool
	Models         []string
	Images         int // job target; every sub-request asks for one image
	Width          int
	Height         int
	Sampler        string
	CFGScale       float64
	Steps          int
	Karras         bool
	Seed           string
}

// Pair is one key/value override taken from a start command
type Pair struct {
	Key   string
	Value string
}

type section int

const (
	sectionHeader section = iota
	sectionRequest
	sectionParams
)

type bounds struct {
	min, max float64
}

// field describes one entry of the parameter table. ptr returns a pointer to the
// backing struct field; its dynamic type is the declared type of the parameter.
type field struct {
	name    string
	aliases []string
	section section
	def     any
	limits  *bounds
	step    float64
	valid   func(string) bool
	wire    func(*Params) any
	ptr     func(*Params) any
}

var fields = []field{
	{name: "apikey", section: sectionHeader, def: AnonymousAPIKey, ptr: func(p *Params) any { return &p.APIKey }},
	{name: "prompt", section: sectionRequest, def: DefaultPrompt, ptr: func(p *Params) any { return &p.Prompt }},
	{name: "nsfw", section: sectionRequest, def: true, ptr: func(p *Params) any { return &p.NSFW }},
	{name: "censor_nsfw", section: sectionRequest, def: false, ptr: func(p *Params) any { return &p.CensorNSFW }},
	{name: "trusted_workers", section: sectionRequest, def: false, ptr: func(p *Params) any { return &p.TrustedWorkers }},
	{name: "r2", section: sectionRequest, def: false, ptr: func(p *Params) any { return &p.R2 }},
	{name: "models", section: sectionRequest, def: []string{DefaultModel}, ptr: func(p *Params) any { return &p.Models }},
	{
		name:    "n",
		section: sectionParams,
		def:     1,
		limits:  &bounds{1, MaxImages},
		wire:    func(*Params) any { return 1 },
		ptr:     func(p *Params) any { return &p.Images },
	},
	{name: "width", section: sectionParams, def: 512, limits: &bounds{64, 1024}, ptr: func(p *Params) any { return &p.Width }},
	{name: "height", section: sectionParams, def: 512, limits: &bounds{64, 1024}, ptr: func(p *Params) any { return &p.Height }},
	{name: "sampler_name", aliases: []string{"sampler"}, section: sectionParams, def: DefaultSampler, ptr: func(p *Params) any { return &p.Sampler }},
	{name: "cfg_scale", section: sectionParams, def: 7.0, limits: &bounds{-40, 30}, step: 0.5, ptr: func(p *Params) any { return &p.CFGScale }},
	{name: "steps", section: sectionParams, def: 20, limits: &bounds{1, 100}, ptr: func(p *Params) any { return &p.Steps }},
	{name: "karras", section: sectionParams, def: false, ptr: func(p *Params) any { return &p.Karras }},
	{name: "seed", section: sectionParams, def: "", valid: isUint32, ptr: func(p *Params) any { return &p.Seed }},
}

var fieldIndex = func() map[string]*field {
	index := make(map[string]*field, len(fields))
	for i := range fields {
		f := &fields[i]
		index[f.name] = f
		for _, alias := range f.aliases {
			index[alias] = f
		}
	}
	return index
}()

func isUint32(s string) bool {
	_, err := strconv.ParseUint(s, 10, 32)
	return err == nil
}

// DefaultParams returns the parameter record seeded from the field table
func DefaultParams(apiKey string) Params {
	var p Params
	for i := range fields {
		fields[i].reset(&p)
	}
	if apiKey != "" {
		p.APIKey = apiKey
	}
	return p
}

// NewParams applies overrides on top of the defaults and normalizes the result.
// Unknown keys and values that fail coercion are logged and skipped.
func NewParams(apiKey string, overrides []Pair, logger *slog.Logger) Params {
	p := DefaultParams(apiKey)

	for _, o := range overrides {
		key := strings.ToLower(strings.TrimSpace(o.Key))
		f, ok := fieldIndex[key]
		if !ok {
			logger.Warn("Ignoring unknown job parameter",
				slog.String("key", o.Key),
			)
			continue
		}
		if err := f.parse(&p, o.Value); err != nil {
			logger.Warn("Ignoring invalid job parameter value",
				slog.String("key", f.name),
				slog.String("value", o.Value),
				slog.Any("error", err),
			)
		}
	}

	p.normalize()
	if p.APIKey == "" {
		p.APIKey = DefaultParams(apiKey).APIKey
	}

	return p
}

func (p *Params) normalize() {
	for i := range fields {
		fields[i].normalize(p)
	}
}

// Payload renders the request body sent for every sub-request
func (p *Params) Payload() map[string]any {
	body := make(map[string]any)
	params := make(map[string]any)

	for i := range fields {
		f := &fields[i]
		if f.section == sectionHeader {
			continue
		}
		v, ok := f.wireValue(p)
		if !ok {
			continue
		}
		if f.section == sectionParams {
			params[f.name] = v
		} else {
			body[f.name] = v
		}
	}

	body["params"] = params
	return body
}

func (f *field) reset(p *Params) {
	switch ptr := f.ptr(p).(type) {
	case *string:
		*ptr = f.def.(string)
	case *bool:
		*ptr = f.def.(bool)
	case *int:
		*ptr = f.def.(int)
	case *float64:
		*ptr = f.def.(float64)
	case *[]string:
		*ptr = append([]string(nil), f.def.([]string)...)
	}
}

func (f *field) parse(p *Params, raw string) error {
	switch ptr := f.ptr(p).(type) {
	case *string:
		// Validated strings are tokens; free text is kept verbatim
		if f.valid != nil {
			raw = strings.TrimSpace(raw)
		}
		*ptr = raw
	case *bool:
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*ptr = v
	case *int:
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*ptr = v
	case *float64:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return strconv.ErrRange
		}
		*ptr = v
	case *[]string:
		*ptr = splitList(raw)
	}
	return nil
}

func (f *field) normalize(p *Params) {
	switch ptr := f.ptr(p).(type) {
	case *int:
		if f.limits != nil {
			*ptr = int(clamp(float64(*ptr), f.limits))
		}
	case *float64:
		if f.step > 0 {
			*ptr = math.Round(*ptr/f.step) * f.step
		}
		if f.limits != nil {
			*ptr = clamp(*ptr, f.limits)
		}
	case *string:
		if f.valid != nil && *ptr != "" && !f.valid(*ptr) {
			*ptr = ""
		}
	}
}

// wireValue returns the serialized value and whether the field is sent at all
func (f *field) wireValue(p *Params) (any, bool) {
	if f.wire != nil {
		return f.wire(p), true
	}
	switch ptr := f.ptr(p).(type) {
	case *string:
		return *ptr, *ptr != ""
	case *[]string:
		return append([]string(nil), (*ptr)...), len(*ptr) > 0
	case *bool:
		return *ptr, true
	case *int:
		return *ptr, true
	case *float64:
		return *ptr, true
	}
	return nil, false
}

func clamp(v float64, b *bounds) float64 {
	return math.Max(b.min, math.Min(b.max, v))
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
