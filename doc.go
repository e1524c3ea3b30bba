// Package scm implements a service control manager: a persistent database
// of installable background services, a handle based control API, and the
// supervision of the processes hosting those services.
//
// A Manager is built from a Database backed by a Store and a PipeNamer
// allocating control channel sockets:
//
//	store, err := scm.NewFileStore("/var/lib/scm/services", log)
//	if err != nil {
//	    return err
//	}
//	db := scm.NewDatabase(store, log)
//	if err := db.Load(); err != nil {
//	    return err
//	}
//	pipes, err := scm.NewPipeNamer("/run/scm")
//	if err != nil {
//	    return err
//	}
//	m := scm.NewManager(db, pipes, scm.WithLogger(log))
//
// Callers work through handles, exactly like the Win32 service API:
//
//	mgr, _ := m.OpenSCManager(scm.ActiveDatabase, scm.ManagerAllAccess)
//	svc, err := m.OpenService(mgr, "echo", scm.ServiceAllAccess)
//	if err != nil {
//	    return err
//	}
//	defer m.CloseServiceHandle(svc)
//
//	err = m.StartService(ctx, svc, nil)
//	st, err := m.QueryServiceStatusEx(svc)
//	fmt.Printf("state %v pid %d\n", st.CurrentState, st.ProcessID)
//
// # Hosted processes
//
// A started service runs as a child process that receives the path of a
// Unix socket in SCM_CONTROL_PIPE. It connects, reads a START message and
// answers each message with a 4 byte result code; see package control for
// the framing and package svchost for a ready made dispatcher. The process
// reports its state with SetServiceStatus over the manager's RPC surface
// (package scmhttp).
//
// # Errors
//
// Every failure carries a Win32 style code. Compare with errors.Is against
// the Err* values, or extract the number with Code:
//
//	if errors.Is(err, scm.ErrServiceAlreadyRunning) {
//	    ...
//	}
//
// Deleting a service only marks it; it disappears from the database and
// the store once its last handle is closed.
package scm
