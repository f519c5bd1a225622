package credits

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Sheet prices actions per blockchain. A nil cost marks a combination that is
// listed but not offered.
type Sheet map[string]map[Blockchain]*uint64

// ParseSheet reads a YAML credit sheet of the form
//
//	mint-edition:
//	  solana: 5
//	  polygon: 3
//	  ethereum: ~
//
// Every action in required must be present.
func ParseSheet(data []byte, required ...string) (Sheet, error) {
	var raw map[string]map[string]*uint64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("credits: syntax error in credit sheet: %w", err)
	}

	sheet := make(Sheet, len(raw))
	for action, prices := range raw {
		row := make(map[Blockchain]*uint64, len(prices))
		for name, cost := range prices {
			chain, err := ParseBlockchain(name)
			if err != nil {
				return nil, fmt.Errorf("credits: credit sheet entry %s: %w", action, err)
			}
			row[chain] = cost
		}
		sheet[action] = row
	}

	for _, action := range required {
		if _, ok := sheet[action]; !ok {
			return nil, fmt.Errorf("credits: missing entry in credit sheet for %s", action)
		}
	}
	return sheet, nil
}

// LoadSheet reads a credit sheet file.
func LoadSheet(path string, required ...string) (Sheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credits: reading credit sheet: %w", err)
	}
	return ParseSheet(data, required...)
}

// Cost returns the price of one unit of action on chain.
func (s Sheet) Cost(action string, chain Blockchain) (uint64, error) {
	if cost := s[action][chain]; cost != nil {
		return *cost, nil
	}
	return 0, &DeductionError{Action: action, Blockchain: chain, Kind: MissingItem{}}
}

// Quote returns the cost of quantity units and checks it against the
// available balance.
func (s Sheet) Quote(action string, chain Blockchain, quantity, available uint64) (uint64, error) {
	unit, err := s.Cost(action, chain)
	if err != nil {
		return 0, err
	}
	if quantity == 0 {
		quantity = 1
	}
	if unit != 0 && quantity > ^uint64(0)/unit {
		return 0, &DeductionError{Action: action, Blockchain: chain, Kind: InsufficientBalance{Available: available, Cost: ^uint64(0)}}
	}
	cost := unit * quantity
	if available < cost {
		return 0, &DeductionError{Action: action, Blockchain: chain, Kind: InsufficientBalance{Available: available, Cost: cost}}
	}
	return cost, nil
}

// Actions returns the priced actions in sorted order.
func (s Sheet) Actions() []string {
	out := make([]string, 0, len(s))
	for action := range s {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}
