package evidence

import (
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sessionlabs/report-engine/internal/model"
)

// TierTable is a versioned mapping from registered domain names to evidence
// tiers. Matching is by exact hostname or hostname suffix; anything
// unregistered classifies to D.
type TierTable struct {
	Version int                                 `yaml:"version"`
	Tiers   map[model.EvidenceTier][]string     `yaml:"tiers"`
	byHost  map[string]model.EvidenceTier
}

// NewTierTable builds a table from tier -> domain lists.
func NewTierTable(version int, tiers map[model.EvidenceTier][]string) *TierTable {
	t := &TierTable{Version: version, Tiers: tiers}
	t.index()
	return t
}

// LoadTierTable reads a YAML tier table from disk.
func LoadTierTable(path string) (*TierTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read tier table %s", path)
	}
	var t TierTable
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, eris.Wrap(err, "evidence: parse tier table")
	}
	for tier := range t.Tiers {
		if !tier.Valid() {
			return nil, eris.Errorf("evidence: tier table contains unknown tier %q", tier)
		}
	}
	t.index()
	return &t, nil
}

func (t *TierTable) index() {
	t.byHost = make(map[string]model.EvidenceTier)
	for tier, domains := range t.Tiers {
		for _, d := range domains {
			t.byHost[strings.ToLower(d)] = tier
		}
	}
}

// Classify returns the tier for a hostname. The match walks suffixes so
// "pubmed.ncbi.nlm.nih.gov" hits a registered "nih.gov".
func (t *TierTable) Classify(host string) model.EvidenceTier {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for h := host; h != ""; {
		if tier, ok := t.byHost[h]; ok {
			return tier
		}
		dot := strings.Index(h, ".")
		if dot < 0 {
			break
		}
		h = h[dot+1:]
	}
	return model.TierD
}

// ClassifyURL classifies the hostname of a raw URL. Unparseable URLs
// classify to D.
func (t *TierTable) ClassifyURL(rawURL string) model.EvidenceTier {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return model.TierD
	}
	return t.Classify(u.Hostname())
}

// DefaultTierTable returns the compiled-in credibility table used when no
// external table is configured.
func DefaultTierTable() *TierTable {
	return NewTierTable(1, map[model.EvidenceTier][]string{
		model.TierS: {
			"cochranelibrary.com",
			"nejm.org",
			"thelancet.com",
			"jamanetwork.com",
			"bmj.com",
			"nature.com",
		},
		model.TierA: {
			"nih.gov",
			"ncbi.nlm.nih.gov",
			"who.int",
			"cdc.gov",
			"sciencedirect.com",
			"springer.com",
			"wiley.com",
			"frontiersin.org",
		},
		model.TierB: {
			"apa.org",
			"aan.com",
			"aappublications.org",
			"mayoclinic.org",
			"clevelandclinic.org",
			"hopkinsmedicine.org",
			"researchgate.net",
		},
		model.TierC: {
			"healthline.com",
			"webmd.com",
			"medicalnewstoday.com",
			"psychologytoday.com",
			"verywellmind.com",
		},
	})
}
