package params

import (
	"encoding/json"

	"github.com/wehubfusion/Daedalus/pkg/cache"
)

// configHash identifies a parameter definition. Any change to the
// declaration yields a new hash, which invalidates cached values.
func configHash(p *DynamicParam) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return cache.Hash(p.Name + "|" + string(p.Source))
	}
	return cache.HashBytes(raw)
}

// contextHash identifies a context. encoding/json sorts map keys, so equal
// contexts hash equally regardless of insertion order.
func contextHash(pctx ParamContext) string {
	raw, err := json.Marshal(pctx.Flatten())
	if err != nil {
		return ""
	}
	return cache.HashBytes(raw)
}

// requestKey identifies an API request for in-flight deduplication
func requestKey(req APIRequest) string {
	raw, _ := json.Marshal(struct {
		URL     string            `json:"u"`
		Method  string            `json:"m"`
		Params  map[string]any    `json:"p,omitempty"`
		Headers map[string]string `json:"h,omitempty"`
		Body    any               `json:"b,omitempty"`
	}{req.URL, req.Method, req.Params, req.Headers, req.Body})
	return cache.HashBytes(raw)
}
