package gologger

import (
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

const RootName = "appclient"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// Named returns the logger for one component, e.g. Named("connection", ...)
// asks the provider for "appclient.connection". A direct logger wins when no
// provider is given.
func Named(component string, provider glog.LoggerProvider, logger glog.Logger) glog.Logger {
	name := ComponentName(component)
	if provider == nil && logger != nil {
		return logger
	}
	resolvedProvider, resolved := Resolve(name, provider, logger)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(name); named != nil {
			return glog.Ensure(named)
		}
	}
	return glog.Ensure(resolved)
}

func ComponentName(component string) string {
	component = strings.Trim(strings.TrimSpace(strings.ToLower(component)), ".")
	if component == "" || component == RootName {
		return RootName
	}
	if strings.HasPrefix(component, RootName+".") {
		return component
	}
	return RootName + "." + component
}
