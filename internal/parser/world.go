package parser

import (
	"sort"
	"strings"

	"github.com/character-harvester/internal/models"
)

// ScrapedRegions are the region slugs whose servers appear on the profile site.
var ScrapedRegions = []string{"EU", "NA", "JP", "OC"}

// WorldDirectory maps a server display name to its rankings slug, and a slug
// to its region.
type WorldDirectory struct {
	slugs   map[string]string
	regions map[string]string
}

// NewWorldDirectory builds a directory from synced region metadata, keeping
// only ScrapedRegions.
func NewWorldDirectory(regions map[string]models.RegionMetadata) *WorldDirectory {
	allowed := make(map[string]bool, len(ScrapedRegions))
	for _, r := range ScrapedRegions {
		allowed[r] = true
	}

	d := &WorldDirectory{slugs: map[string]string{}, regions: map[string]string{}}
	for _, region := range regions {
		if !allowed[region.Slug] {
			continue
		}
		for _, s := range region.Servers {
			d.add(s.Name, s.Slug, region.Slug)
		}
	}
	return d
}

// DefaultWorldDirectory is used until metadata has been synced.
func DefaultWorldDirectory() *WorldDirectory {
	d := &WorldDirectory{slugs: map[string]string{}, regions: map[string]string{}}
	for region, dcs := range builtinWorlds {
		for _, servers := range dcs {
			for _, name := range servers {
				d.add(name, strings.ToLower(name), region)
			}
		}
	}
	return d
}

func (d *WorldDirectory) add(name, slug, region string) {
	d.slugs[name] = slug
	d.regions[slug] = region
}

// Resolve returns the slug and region of a server display name. Unknown
// servers get their lowercased name as slug and no region.
func (d *WorldDirectory) Resolve(name string) (slug, region string, known bool) {
	if s, ok := d.slugs[name]; ok {
		return s, d.regions[s], true
	}
	return strings.ToLower(name), "", false
}

// Len is the number of known servers.
func (d *WorldDirectory) Len() int {
	return len(d.slugs)
}

// Servers returns the known display names, sorted.
func (d *WorldDirectory) Servers() []string {
	out := make([]string, 0, len(d.slugs))
	for name := range d.slugs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// region -> datacenter -> servers
var builtinWorlds = map[string]map[string][]string{
	"NA": {
		"Aether":  {"Adamantoise", "Cactuar", "Faerie", "Gilgamesh", "Jenova", "Midgardsormr", "Sargatanas", "Siren"},
		"Crystal": {"Balmung", "Brynhildr", "Coeurl", "Diabolos", "Goblin", "Malboro", "Mateus", "Zalera"},
		"Dynamis": {"Cuchulainn", "Golem", "Halicarnassus", "Kraken", "Maduin", "Marilith", "Rafflesia", "Seraph"},
		"Primal":  {"Behemoth", "Excalibur", "Exodus", "Famfrit", "Hyperion", "Lamia", "Leviathan", "Ultros"},
	},
	"EU": {
		"Chaos": {"Cerberus", "Louisoix", "Moogle", "Omega", "Phantom", "Ragnarok", "Sagittarius", "Spriggan"},
		"Light": {"Alpha", "Lich", "Odin", "Phoenix", "Raiden", "Shiva", "Twintania", "Zodiark"},
	},
	"JP": {
		"Elemental": {"Aegis", "Atomos", "Carbuncle", "Garuda", "Gungnir", "Kujata", "Tonberry", "Typhon"},
		"Gaia":      {"Alexander", "Bahamut", "Durandal", "Fenrir", "Ifrit", "Ridill", "Tiamat", "Ultima"},
		"Mana":      {"Anima", "Asura", "Chocobo", "Hades", "Ixion", "Masamune", "Pandaemonium", "Titan"},
		"Meteor":    {"Belias", "Mandragora", "Ramuh", "Shinryu", "Unicorn", "Valefor", "Yojimbo", "Zeromus"},
	},
	"OC": {
		"Materia": {"Bismarck", "Ravana", "Sephirot", "Sophia", "Zurvan"},
	},
}
