// Package bootstrap builds the Castellan coordinator from configuration and
// manages its lifecycle: storage and state backends, the coordination
// components, the retention scheduler and the HTTP API.
//
// A serve command looks like:
//
//	app, err := bootstrap.NewApp(ctx, configPath)
//	if err != nil {
//	    return err
//	}
//	if err := app.Start(ctx); err != nil {
//	    app.Shutdown()
//	    return err
//	}
//	app.WaitForShutdown(ctx)
//	app.Shutdown()
//
// Shutdown is safe to call more than once.
package bootstrap
