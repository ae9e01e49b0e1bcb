// Package charon retrieves virtual paths from compound package files
// asynchronously.
//
// A request names a package file and an ordered list of virtual paths. The
// [Service] admits it into a request queue, runs it as a job once a worker
// slot is free, and reports the outcome to a [Handler]:
//   - RequestData once per virtual path, in request order
//   - then exactly one of RequestCompleted or RequestError
//
// Requests that have not started can be canceled. Archive handling lives in
// the [core] subpackage; the engine for a file is chosen by a [core.Registry].
//
// # Quick Start
//
//	reg := core.NewRegistry()
//	reg.Register(".ucp", core.PackageOpener())
//
//	svc, err := charon.New(reg, handler, charon.WithMaxConcurrentJobs(4))
//	if err != nil {
//	    return err
//	}
//	go svc.Serve(ctx)
//
//	svc.StartRequest("r1", "print.ucp", []string{"/3D/model.gcode"})
//
// # Caching
//
// Use [WithCache] with a cache.Cache such as the one in cache/disk to keep
// entry content across requests:
//
//	c, err := disk.New("/var/cache/charon", disk.WithMaxBytes(512<<20))
//	if err != nil {
//	    return err
//	}
//	svc, err := charon.New(reg, handler, charon.WithCache(c))
package charon
