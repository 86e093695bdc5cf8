package creditsapi

import (
	"fmt"

	"github.com/nper79/clothing-sub001/pkg/ledger"
	"github.com/spf13/viper"
)

type catalogFile struct {
	Packs []catalogFilePack `mapstructure:"packs"`
}

type catalogFilePack struct {
	ID          string `mapstructure:"id"`
	Label       string `mapstructure:"label"`
	Description string `mapstructure:"description"`
	Credits     int64  `mapstructure:"credits"`
	PriceCents  int64  `mapstructure:"price_cents"`
	BestValue   bool   `mapstructure:"best_value"`
}

// LoadCatalogFile reads a packs list from a YAML, JSON or TOML file:
//
//	packs:
//	  - id: starter
//	    label: Starter
//	    credits: 15
//	    price_cents: 499
func LoadCatalogFile(path string) (ledger.Catalog, error) {
	reader := viper.New()
	reader.SetConfigFile(path)
	if err := reader.ReadInConfig(); err != nil {
		return ledger.Catalog{}, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var file catalogFile
	if err := reader.Unmarshal(&file); err != nil {
		return ledger.Catalog{}, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	packs := make([]ledger.CreditPack, 0, len(file.Packs))
	for _, pack := range file.Packs {
		credits, err := ledger.NewPositiveCredits(pack.Credits)
		if err != nil {
			return ledger.Catalog{}, fmt.Errorf("catalog %s: pack %q credits: %w", path, pack.ID, err)
		}
		packs = append(packs, ledger.CreditPack{
			ID:          pack.ID,
			Label:       pack.Label,
			Description: pack.Description,
			Credits:     credits,
			PriceCents:  pack.PriceCents,
			BestValue:   pack.BestValue,
		})
	}
	catalog, err := ledger.NewCatalog(packs)
	if err != nil {
		return ledger.Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return catalog, nil
}
