package broker

import "encoding/binary"

// Command frames exchanged with workers and handlers. These are sent as
// plain ASCII frames alongside job-bytes frames, matching spec's wire
// protocol table verbatim.
var (
	cmdGetJob         = []byte("GET_JOB")
	cmdResult         = []byte("RESULT")
	cmdJob            = []byte("JOB")
	cmdNoJobs         = []byte("NO JOBS")
	cmdJobsAvailable  = []byte("JOBS AVAILABLE")
)

func putUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func putUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
