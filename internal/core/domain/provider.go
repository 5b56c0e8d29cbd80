package domain

import (
	"net/url"
	"strings"
)

// ProductType identifies which Dynamics 365 product serves the OData endpoint.
type ProductType string

const (
	// ProductDataverse is Dataverse / Dynamics 365 CE (Web API at /api/data/v9.x/).
	ProductDataverse ProductType = "dataverse"
	// ProductFinOps is Dynamics 365 Finance & Operations (OData at /data/).
	ProductFinOps ProductType = "finops"
)

// Valid reports whether p is a known product.
func (p ProductType) Valid() bool {
	return p == ProductDataverse || p == ProductFinOps
}

// SupportsCrossCompany reports whether the product honours the
// cross-company query option.
func (p ProductType) SupportsCrossCompany() bool {
	return p == ProductFinOps
}

// ParseProductType parses a product name. Common aliases such as "fo",
// "f&o" and "crm" are accepted.
func ParseProductType(s string) (ProductType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dataverse", "crm", "ce", "dynamics":
		return ProductDataverse, true
	case "finops", "fo", "f&o", "fno", "finance":
		return ProductFinOps, true
	}
	return "", false
}

// InferProductType guesses the product from the endpoint host.
// Finance & Operations environments live under operations.dynamics.com.
func InferProductType(endpoint string) ProductType {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ProductDataverse
	}
	host := strings.ToLower(u.Host)
	if strings.Contains(host, "operations.dynamics.com") || strings.Contains(host, ".axcloud.") {
		return ProductFinOps
	}
	if strings.HasPrefix(strings.TrimSuffix(u.Path, "/"), "/data") {
		return ProductFinOps
	}
	return ProductDataverse
}
