package dynamics

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// BuildQueryString renders OData system query options. The cross-company
// option is only emitted for Finance & Operations.
func BuildQueryString(opts domain.QueryOptions, product domain.ProductType) string {
	var parts []string
	add := func(name, value string) {
		parts = append(parts, name+"="+escape(value))
	}

	if len(opts.Select) > 0 {
		add("$select", strings.Join(opts.Select, ","))
	}
	if opts.Filter != "" {
		add("$filter", opts.Filter)
	}
	if opts.OrderBy != "" {
		add("$orderby", opts.OrderBy)
	}
	if opts.Top > 0 {
		add("$top", strconv.Itoa(opts.Top))
	}
	if opts.Skip > 0 {
		add("$skip", strconv.Itoa(opts.Skip))
	}
	if len(opts.Expand) > 0 {
		add("$expand", strings.Join(opts.Expand, ","))
	}
	if opts.Count {
		add("$count", "true")
	}
	if opts.CrossCompany && product.SupportsCrossCompany() {
		add("cross-company", "true")
	}

	return strings.Join(parts, "&")
}

// escape percent-encodes a query value, keeping characters OData
// expressions use literally and encoding spaces as %20.
func escape(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	r := strings.NewReplacer("%27", "'", "%2C", ",", "%28", "(", "%29", ")", "%3A", ":", "%2F", "/", "%24", "$")
	return r.Replace(e)
}
