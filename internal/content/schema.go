package content

import "github.com/danielgtaylor/huma/v2"

// The item, decision and response trees are discriminated unions handled by
// custom JSON marshalling. Generated schemas would reject their "@type"
// payloads, so the union roots describe themselves to OpenAPI as free-form
// objects.

func freeFormObject(description string) *huma.Schema {
	return &huma.Schema{
		Type:                 huma.TypeObject,
		Description:          description,
		AdditionalProperties: true,
	}
}

func (Request) Schema(r huma.Registry) *huma.Schema {
	return freeFormObject("Request content: title, description, expiresAt, metadata and an items tree of @type-discriminated request items and item groups.")
}

func (Decision) Schema(r huma.Registry) *huma.Schema {
	return freeFormObject("Decision tree mirroring the request's items: per item accept with optional parameters, or reject with optional code and message.")
}

func (Response) Schema(r huma.Registry) *huma.Schema {
	return freeFormObject("Response content: requestId and an items tree of @type-discriminated accept, reject and error items.")
}

func (Attribute) Schema(r huma.Registry) *huma.Schema {
	return freeFormObject("Attribute content: owner, tags and an @type-discriminated identity or relationship value.")
}
