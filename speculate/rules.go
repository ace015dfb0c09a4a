package speculate

import "encoding/json"

type ruleSet struct {
	Prerender []listRule `json:"prerender"`
}

type listRule struct {
	Source string   `json:"source"`
	URLs   []string `json:"urls"`
}

// RulesJSON encodes urls as a speculation-rules list that prerenders them.
func RulesJSON(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	data, err := json.Marshal(ruleSet{Prerender: []listRule{{Source: "list", URLs: urls}}})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
