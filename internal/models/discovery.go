package models

// FileDiscoveryInfo is the structured result of discovering code objects in a
// single source file. It is produced by the language-specific provider and
// delivered to the backend as-is.
type FileDiscoveryInfo struct {
	FileURL string       `json:"fileUrl"`
	Methods []MethodInfo `json:"methods"`
}

// MethodInfo describes one discovered method and its instrumentation points.
type MethodInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Class     string         `json:"containingClass"`
	Namespace string         `json:"containingNamespace"`
	Spans     []SpanInfo     `json:"spans,omitempty"`
	Endpoints []EndpointInfo `json:"endpoints,omitempty"`
}

// SpanInfo describes a tracing span declared inside a method.
type SpanInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EndpointInfo describes an HTTP/RPC endpoint bound to a method.
type EndpointInfo struct {
	ID     string `json:"id"`
	Route  string `json:"route"`
	Method string `json:"httpMethod,omitempty"`
}

// IsEmpty reports whether the discovery produced nothing worth sending.
func (i *FileDiscoveryInfo) IsEmpty() bool {
	return i == nil || len(i.Methods) == 0
}
