package connectivity

import (
	"iter"
	"slices"
)

// ServiceInfo is a snapshot of one registered service.
type ServiceInfo struct {
	Name     string `json:"name"`
	Disabled bool   `json:"disabled"`
}

// ListServices yields the registered services in name order.
func (r *Router) ListServices() iter.Seq[ServiceInfo] {
	r.mu.RLock()
	infos := make([]ServiceInfo, 0, len(r.handlers))
	for name := range r.handlers {
		infos = append(infos, ServiceInfo{Name: name, Disabled: r.disabled[name]})
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b ServiceInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	return func(yield func(ServiceInfo) bool) {
		for _, info := range infos {
			if !yield(info) {
				return
			}
		}
	}
}

// Inspect reports whether a service is registered.
func (r *Router) Inspect(service string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.handlers[service]; !ok {
		return ServiceInfo{}, false
	}
	return ServiceInfo{Name: service, Disabled: r.disabled[service]}, true
}
