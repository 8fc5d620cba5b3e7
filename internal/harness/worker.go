package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"qgraphexec/internal/executor"
)

// requestFD and responseFD are the ExtraFiles indices a worker process
// inherits its pipe ends on: fd 3 for requests, fd 4 for responses. stdin
// and stdout are left free for the executor's own task code.
const (
	requestFD  = 3
	responseFD = 4
)

// RunWorkerMain is the entire body of the hidden worker subcommand. It
// reads requests until the parent closes the request pipe (normal pool
// shutdown) or a read/write error occurs, executing each one with exec and
// writing back exactly one response per request.
//
// A single process handles one request under Spawn (the parent tears it
// down right after) and many sequential requests under Fork/ForkServer
// (the parent returns the same worker to its pool between dispatches).
func RunWorkerMain(exec executor.Executor) error {
	reqR := os.NewFile(requestFD, "qgraphexec-request")
	respW := os.NewFile(responseFD, "qgraphexec-response")
	if reqR == nil || respW == nil {
		return fmt.Errorf("harness: worker started without request/response pipes")
	}
	defer reqR.Close()
	defer respW.Close()

	for {
		var req request
		if err := readFrame(reqR, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("harness: worker reading request: %w", err)
		}

		resp := runOne(context.Background(), exec, req)
		if err := writeFrame(respW, resp); err != nil {
			return fmt.Errorf("harness: worker writing response: %w", err)
		}
	}
}

func runOne(ctx context.Context, exec executor.Executor, req request) response {
	payload, err := exec.Execute(ctx, req.TaskDef, req.Payload, req.ExternalContext)
	if err != nil {
		return response{Kind: kindError, ExitCode: 1, Diag: err.Error(), Payload: payload}
	}
	return response{Kind: kindOK, ExitCode: 0, Payload: payload}
}
