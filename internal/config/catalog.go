package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog drives sports classification and the startup watchlist.
type Catalog struct {
	SportsTags     []string `yaml:"sports_tags"`
	SportsKeywords []string `yaml:"sports_keywords"`

	// Watchlist market ids are tracked at boot, before any viewer subscribes.
	Watchlist []string `yaml:"watchlist"`
}

// LoadCatalog reads the catalog YAML. A missing file yields DefaultCatalog;
// a present but empty section also falls back to the default for that section.
func LoadCatalog(path string) (Catalog, error) {
	def := DefaultCatalog()
	if path == "" {
		return def, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}

	if len(c.SportsTags) == 0 {
		c.SportsTags = def.SportsTags
	}
	if len(c.SportsKeywords) == 0 {
		c.SportsKeywords = def.SportsKeywords
	}
	return c, nil
}

func DefaultCatalog() Catalog {
	return Catalog{
		SportsTags: []string{"sports", "nba", "nfl", "soccer", "football", "hockey", "baseball"},
		SportsKeywords: []string{
			// Football/Soccer
			"liverpool", "manchester", "arsenal", "chelsea", "tottenham",
			"real madrid", "barcelona", "atletico", "bayern", "dortmund",
			"psg", "juventus", "inter", "milan", "napoli",
			"premier league", "la liga", "serie a", "bundesliga", "champions league",
			// NBA
			"lakers", "celtics", "warriors", "bulls", "heat", "nets",
			"knicks", "76ers", "bucks", "suns", "mavericks", "thunder",
			"cavaliers", "nuggets", "clippers", "spurs", "rockets",
			// NFL
			"chiefs", "eagles", "49ers", "cowboys", "bills", "ravens",
			"dolphins", "lions", "packers", "bears", "saints", "patriots",
			// General
			"win", "championship", "finals", "playoff", "match", "game",
			"nba", "nfl", "nhl", "mlb", "mls", "epl", "ucl",
		},
	}
}
