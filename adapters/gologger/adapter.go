package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const RootName = "shopify"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ComponentName scopes component under the root name: "webhooks" becomes
// "shopify.webhooks".
func ComponentName(component string) string {
	component = strings.Trim(strings.TrimSpace(component), ".")
	if component == "" {
		return RootName
	}
	if component == RootName || strings.HasPrefix(component, RootName+".") {
		return component
	}
	return RootName + "." + component
}

// Component resolves the logger for one component. A provider is asked for
// the scoped name; a bare logger is shared by every component.
func Component(provider glog.LoggerProvider, logger glog.Logger, component string) glog.Logger {
	_, resolved := Resolve(ComponentName(component), provider, logger)
	return resolved
}

// Components resolves loggers for several components at once.
func Components(provider glog.LoggerProvider, logger glog.Logger, components ...string) map[string]glog.Logger {
	out := make(map[string]glog.Logger, len(components))
	for _, component := range components {
		out[component] = Component(provider, logger, component)
	}
	return out
}

// JobLogger resolves a component logger for the go-job worker runtime.
func JobLogger(provider glog.LoggerProvider, logger glog.Logger, component string) job.Logger {
	return job.GoLogger(Component(provider, logger, component))
}
