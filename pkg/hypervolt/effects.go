package hypervolt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/voltsync/voltsync/pkg/log"
)

// LEDEffect is one drop-in LED effect definition. Effects are JSON files
// shaped like captured sync.apply payloads:
//
//	{
//	  "label": "My Effect",
//	  "method": "sync.apply",
//	  "params": {
//	    "effect_name": "steady_array",
//	    "leds": [{"r": 1.0, "g": 0.0, "b": 0.0}]
//	  }
//	}
//
// The label is optional and defaults to a cleaned-up form of the filename.
type LEDEffect struct {
	Label      string
	EffectName string
	LEDs       []RGB
}

type effectFile struct {
	Label  string `json:"label"`
	Params *struct {
		EffectName string           `json:"effect_name"`
		LEDs       *json.RawMessage `json:"leds"`
	} `json:"params"`
}

func labelFromFilename(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.NewReplacer("_", " ", "-", " ").Replace(stem)
	words := strings.Fields(stem)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// LoadLEDEffects reads all *.json files in dir. Invalid files are logged
// and skipped; later files override earlier ones with the same label. A
// missing directory is not an error, just an empty map.
func LoadLEDEffects(ctx context.Context, dir string) map[string]LEDEffect {
	effects := make(map[string]LEDEffect)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return effects
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to read LED effect file",
				slog.String("file", name), slog.Any("error", err))
			continue
		}

		var f effectFile
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "ignoring LED effect file",
				slog.String("file", name), slog.Any("error", err))
			continue
		}
		if f.Params == nil || f.Params.EffectName == "" {
			log.Ctx(ctx).WarnContext(ctx, "ignoring LED effect file, invalid format",
				slog.String("file", name))
			continue
		}

		effect := LEDEffect{
			Label:      f.Label,
			EffectName: f.Params.EffectName,
		}
		if effect.Label == "" {
			effect.Label = labelFromFilename(path)
		}
		if f.Params.LEDs != nil {
			var leds []RGB
			if err := json.Unmarshal(*f.Params.LEDs, &leds); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "ignoring LED effect file, bad leds",
					slog.String("file", name), slog.Any("error", err))
				continue
			}
			effect.LEDs = leds
		}

		effects[effect.Label] = effect
	}
	return effects
}
