// Package complexity flags freight that must not be dispatched automatically.
//
// Classification is a pure function of the load's free text and structured
// fields. Seven detectors run in a fixed order and each adds at most one flag.
// Identical input always yields the same flags and rationale.
package complexity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/model"
)

// Complexity flags, in detector order.
const (
	FlagHazmat     = "HAZMAT"
	FlagOversize   = "OVERSIZE"
	FlagMultiStop  = "MULTI_STOP"
	FlagIntermodal = "INTERMODAL"
	FlagLTL        = "LTL"
	FlagPartial    = "PARTIAL"
	FlagFlatbed    = "FLATBED"
)

// AllFlags lists every flag in detector order.
var AllFlags = []string{FlagHazmat, FlagOversize, FlagMultiStop, FlagIntermodal, FlagLTL, FlagPartial, FlagFlatbed}

// Result is the outcome of one classification.
type Result struct {
	Flags     []string            `json:"flags"`
	Rationale string              `json:"rationale"`
	Evidence  map[string][]string `json:"evidence,omitempty"`
}

// RequiresReview reports whether any flag fired.
func (r Result) RequiresReview() bool { return len(r.Flags) > 0 }

var (
	unNumberRe   = regexp.MustCompile(`\b(?:un|na)\s?-?\d{4}\b`)
	hazClassRe   = regexp.MustCompile(`\b(?:hazard\s+)?class\s+[1-9](?:\.[1-6])?\b`)
	zipRe        = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b(\s*(?:lbs?|pounds|#|kgs?|pcs|pieces|pallets))?`)
	widthRe      = regexp.MustCompile(`\b(\d{1,2}(?:\.\d+)?)\s*(?:ft|feet|foot|')\s*(?:wide|width)\b`)
	heightRe     = regexp.MustCompile(`\b(\d{1,2}(?:\.\d+)?)\s*(?:ft|feet|foot|')\s*(?:tall|high|height)\b`)
	linearFeetRe = regexp.MustCompile(`\b\d{1,2}\s*(?:linear\s+(?:ft|feet)|lf)\b`)
	stopNumRe    = regexp.MustCompile(`\b(?:stop|drop)\s*#?\s*[2-9]\b`)
	negationRe   = regexp.MustCompile(`\b(?:non|not|no)[\s-]+$`)
)

// Legal dimension limits (feet) for a standard trailer load.
const (
	maxLegalWidthFt  = 8.5
	maxLegalHeightFt = 13.5
)

// DefaultConfig returns the built-in keyword tables and thresholds.
func DefaultConfig() config.ComplexityConfig {
	return config.ComplexityConfig{
		HazmatKeywords: []string{
			"hazmat", "haz mat", "hazardous", "dangerous goods", "placard", "placarded",
			"flammable", "corrosive", "explosive", "explosives", "radioactive", "toxic",
			"lithium batteries", "compressed gas", "msds", "sds sheet",
		},
		OversizeKeywords: []string{
			"oversize", "oversized", "overweight", "over dimensional", "over-dimensional",
			"wide load", "permit load", "permits required", "superload", "escort", "pilot car",
			"od load",
		},
		MultiStopKeywords: []string{
			"multi-stop", "multi stop", "multistop", "multiple stops", "multiple drops",
			"additional stop", "extra stop", "second stop", "split delivery", "stop-offs",
			"stop offs", "multiple pickups",
		},
		IntermodalKeywords: []string{
			"intermodal", "rail", "railcar", "rail ramp", "drayage", "dray", "container",
			"chassis", "transload", "port of", "on dock", "53' container", "20' container",
			"40' container",
		},
		LTLKeywords: []string{
			"ltl", "less than truckload", "less-than-truckload", "liftgate", "lift gate",
			"residential delivery", "inside delivery", "freight class",
		},
		PartialKeywords: []string{
			"partial", "partial truckload", "ptl", "volume ltl", "volume quote",
			"shared truckload", "shared truck",
		},
		FlatbedKeywords: []string{
			"flatbed", "flat bed", "step deck", "stepdeck", "lowboy", "rgn", "double drop",
			"conestoga", "tarp", "tarps", "tarped", "crane", "chains and binders",
		},
		SpecializedEquipment: []string{"flatbed", "stepdeck", "step deck", "rgn", "lowboy", "conestoga", "double drop"},
		IntermodalEquipment:  []string{"container", "intermodal", "rail", "conex"},
		MaxLegalWeightLb:     80000,
		LTLMaxWeightLb:       10000,
		LTLMinPieces:         10,
		MaxDistinctZips:      2,
	}
}

// WithDefaults fills empty tables and zero thresholds of cfg from DefaultConfig.
func WithDefaults(cfg config.ComplexityConfig) config.ComplexityConfig {
	d := DefaultConfig()
	fill := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = src
		}
	}
	fill(&cfg.HazmatKeywords, d.HazmatKeywords)
	fill(&cfg.OversizeKeywords, d.OversizeKeywords)
	fill(&cfg.MultiStopKeywords, d.MultiStopKeywords)
	fill(&cfg.IntermodalKeywords, d.IntermodalKeywords)
	fill(&cfg.LTLKeywords, d.LTLKeywords)
	fill(&cfg.PartialKeywords, d.PartialKeywords)
	fill(&cfg.FlatbedKeywords, d.FlatbedKeywords)
	fill(&cfg.SpecializedEquipment, d.SpecializedEquipment)
	fill(&cfg.IntermodalEquipment, d.IntermodalEquipment)
	if cfg.MaxLegalWeightLb <= 0 {
		cfg.MaxLegalWeightLb = d.MaxLegalWeightLb
	}
	if cfg.LTLMaxWeightLb <= 0 {
		cfg.LTLMaxWeightLb = d.LTLMaxWeightLb
	}
	if cfg.LTLMinPieces <= 0 {
		cfg.LTLMinPieces = d.LTLMinPieces
	}
	if cfg.MaxDistinctZips <= 0 {
		cfg.MaxDistinctZips = d.MaxDistinctZips
	}
	return cfg
}

// Classifier runs the detectors. It is safe for concurrent use.
type Classifier struct {
	cfg        config.ComplexityConfig
	keywordRes map[string]*regexp.Regexp
	special    map[string]bool
	intermodal map[string]bool
}

// New compiles a Classifier from cfg. Empty tables fall back to defaults.
func New(cfg config.ComplexityConfig) *Classifier {
	cfg = WithDefaults(cfg)
	c := &Classifier{
		cfg: cfg,
		keywordRes: map[string]*regexp.Regexp{
			FlagHazmat:     keywordRegexp(cfg.HazmatKeywords),
			FlagOversize:   keywordRegexp(cfg.OversizeKeywords),
			FlagMultiStop:  keywordRegexp(cfg.MultiStopKeywords),
			FlagIntermodal: keywordRegexp(cfg.IntermodalKeywords),
			FlagLTL:        keywordRegexp(cfg.LTLKeywords),
			FlagPartial:    keywordRegexp(cfg.PartialKeywords),
			FlagFlatbed:    keywordRegexp(cfg.FlatbedKeywords),
		},
		special:    lowerSet(cfg.SpecializedEquipment),
		intermodal: lowerSet(cfg.IntermodalEquipment),
	}
	return c
}

// Classify scans text and fields and returns the flags that fired with their
// evidence.
func (c *Classifier) Classify(text string, fields model.Fields) Result {
	in := input{
		text:   fold(text + "\n" + structuredText(fields)),
		fields: fields,
	}

	detectors := []struct {
		flag string
		run  func(input) []string
	}{
		{FlagHazmat, c.detectHazmat},
		{FlagOversize, c.detectOversize},
		{FlagMultiStop, c.detectMultiStop},
		{FlagIntermodal, c.detectIntermodal},
		{FlagLTL, c.detectLTL},
		{FlagPartial, c.detectPartial},
		{FlagFlatbed, c.detectFlatbed},
	}

	res := Result{Flags: []string{}}
	var parts []string
	for _, d := range detectors {
		ev := dedupe(d.run(in))
		if len(ev) == 0 {
			continue
		}
		res.Flags = append(res.Flags, d.flag)
		if res.Evidence == nil {
			res.Evidence = make(map[string][]string)
		}
		res.Evidence[d.flag] = ev
		parts = append(parts, d.flag+": "+strings.Join(ev, ", "))
	}
	res.Rationale = strings.Join(parts, "; ")
	return res
}

type input struct {
	text   string
	fields model.Fields
}

func (c *Classifier) keywords(flag string, text string) []string {
	re := c.keywordRes[flag]
	if re == nil {
		return nil
	}
	var out []string
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if negated(text, loc[0]) {
			continue
		}
		out = append(out, fmt.Sprintf("keyword %q", text[loc[0]:loc[1]]))
	}
	return out
}

// negated reports whether the keyword starting at i follows "non", "not" or
// "no", as in "non-hazardous".
func negated(text string, i int) bool {
	from := i - 8
	if from < 0 {
		from = 0
	}
	return negationRe.MatchString(text[from:i])
}

func (c *Classifier) detectHazmat(in input) []string {
	var ev []string
	if in.fields.Bool(model.FieldHazmat) {
		ev = append(ev, "hazmat field set")
	}
	ev = append(ev, c.keywords(FlagHazmat, in.text)...)
	for _, m := range unNumberRe.FindAllString(in.text, -1) {
		ev = append(ev, fmt.Sprintf("UN/NA number %q", m))
	}
	for _, m := range hazClassRe.FindAllString(in.text, -1) {
		ev = append(ev, fmt.Sprintf("hazard %q", m))
	}
	return ev
}

func (c *Classifier) detectOversize(in input) []string {
	var ev []string
	if w, ok := in.fields.Int(model.FieldWeightLb); ok && w > c.cfg.MaxLegalWeightLb {
		ev = append(ev, fmt.Sprintf("weight %d lb exceeds %d", w, c.cfg.MaxLegalWeightLb))
	}
	ev = append(ev, c.keywords(FlagOversize, in.text)...)
	ev = append(ev, dimensionOver(widthRe, in.text, maxLegalWidthFt, "width")...)
	ev = append(ev, dimensionOver(heightRe, in.text, maxLegalHeightFt, "height")...)
	return ev
}

func (c *Classifier) detectMultiStop(in input) []string {
	ev := c.keywords(FlagMultiStop, in.text)
	for _, m := range stopNumRe.FindAllString(in.text, -1) {
		ev = append(ev, fmt.Sprintf("numbered stop %q", m))
	}
	zips := distinctZips(in.text, in.fields)
	if len(zips) > c.cfg.MaxDistinctZips {
		ev = append(ev, fmt.Sprintf("%d distinct zips (%s)", len(zips), strings.Join(zips, ", ")))
	}
	return ev
}

func (c *Classifier) detectIntermodal(in input) []string {
	var ev []string
	if eq := strings.ToLower(in.fields.String(model.FieldEquipment)); eq != "" && c.intermodal[eq] {
		ev = append(ev, fmt.Sprintf("equipment %q", eq))
	}
	return append(ev, c.keywords(FlagIntermodal, in.text)...)
}

func (c *Classifier) detectLTL(in input) []string {
	var ev []string
	if w, ok := in.fields.Int(model.FieldWeightLb); ok && w > 0 && w < c.cfg.LTLMaxWeightLb {
		ev = append(ev, fmt.Sprintf("weight %d lb below %d", w, c.cfg.LTLMaxWeightLb))
	}
	if p, ok := in.fields.Int(model.FieldPieces); ok && p > 0 && p < c.cfg.LTLMinPieces {
		ev = append(ev, fmt.Sprintf("%d pieces below %d", p, c.cfg.LTLMinPieces))
	}
	return append(ev, c.keywords(FlagLTL, in.text)...)
}

func (c *Classifier) detectPartial(in input) []string {
	ev := c.keywords(FlagPartial, in.text)
	for _, m := range linearFeetRe.FindAllString(in.text, -1) {
		ev = append(ev, fmt.Sprintf("deck space %q", m))
	}
	return ev
}

func (c *Classifier) detectFlatbed(in input) []string {
	var ev []string
	if eq := strings.ToLower(in.fields.String(model.FieldEquipment)); eq != "" && c.special[eq] {
		ev = append(ev, fmt.Sprintf("equipment %q", eq))
	}
	return append(ev, c.keywords(FlagFlatbed, in.text)...)
}

// structuredText renders the descriptive fields so keyword detectors see them.
func structuredText(f model.Fields) string {
	var parts []string
	for _, key := range []string{model.FieldCommodity, model.FieldDims, model.FieldInstructions} {
		if s := f.String(key); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// distinctZips collects ZIP-like tokens from text plus the origin and
// destination fields. Numbers followed by a weight or count unit and the
// weight value itself are ignored.
func distinctZips(text string, f model.Fields) []string {
	seen := make(map[string]bool)
	weight := ""
	if w, ok := f.Int(model.FieldWeightLb); ok {
		weight = fmt.Sprintf("%d", w)
	}
	for _, m := range zipRe.FindAllStringSubmatch(text, -1) {
		if m[2] != "" || m[1] == weight {
			continue
		}
		seen[m[1]] = true
	}
	for _, key := range []string{model.FieldOriginZip, model.FieldDestZip} {
		if z := f.String(key); len(z) >= 5 {
			seen[z[:5]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for z := range seen {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

func dimensionOver(re *regexp.Regexp, text string, limit float64, label string) []string {
	var ev []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		var v float64
		if _, err := fmt.Sscanf(m[1], "%g", &v); err != nil {
			continue
		}
		if v > limit {
			ev = append(ev, fmt.Sprintf("%s %q over %.1f ft", label, m[0], limit))
		}
	}
	return ev
}

// keywordRegexp builds a case-folded, word-bounded alternation. Longer
// phrases come first so "drayage" is reported rather than "dray".
func keywordRegexp(keywords []string) *regexp.Regexp {
	if len(keywords) == 0 {
		return nil
	}
	kws := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = fold(strings.TrimSpace(k)); k != "" {
			kws = append(kws, k)
		}
	}
	sort.SliceStable(kws, func(i, j int) bool { return len(kws[i]) > len(kws[j]) })
	quoted := make([]string, len(kws))
	for i, k := range kws {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// fold normalizes Unicode compatibility forms and case so that keyword
// matching is insensitive to both.
func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

func lowerSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[strings.ToLower(strings.TrimSpace(it))] = true
	}
	return m
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
