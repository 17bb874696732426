package callback

import (
	"context"
	"net/http"

	"ceuplanner/auth"
)

type redirectKey struct{}

type redirectSink struct {
	w    http.ResponseWriter
	r    *http.Request
	used bool
}

func withRedirect(ctx context.Context, sink *redirectSink) context.Context {
	return context.WithValue(ctx, redirectKey{}, sink)
}

// Navigator answers navigations made while serving /login with an HTTP
// redirect on that response. Every other navigation goes to next.
func Navigator(next auth.Navigator) auth.Navigator {
	return auth.NavigatorFunc(func(ctx context.Context, target string) error {
		if sink, ok := ctx.Value(redirectKey{}).(*redirectSink); ok && !sink.used {
			sink.used = true
			http.Redirect(sink.w, sink.r, target, http.StatusFound)
			return nil
		}
		return next.Navigate(ctx, target)
	})
}
