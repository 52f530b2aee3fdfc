/*
Package stream defines the framing protocol used to stream the output of a script run from the server to a remote reader.

The response body is newline-delimited JSON. Every line is one Envelope:

	{"type": "<type>", "data": <payload>}

The server frames each fragment of process output into an envelope: standard output becomes "info", standard error becomes "error",
and messages the script writes to its side channel keep the type they were tagged with (or "data" when untagged).
The server itself only adds the terminal "info" lines "Test finished" and "Test crashed".

There is no end-of-stream marker, the transport closing ends the run. Transports deliver arbitrary chunks of bytes rather than lines,
so readers feed every chunk through a Reassembler and decode only the complete lines it returns.
*/
package stream
