// Package state holds the persisted scheduler collections (spool, waiting
// queue, running list, failed and finished indices, task index, status flag)
// and the operations that move tasks between them.
//
// A Module wraps one storage transaction; nothing is visible to others until
// that transaction commits. Keys:
//
//	task/<id>                          task record
//	uid/<uid>                          task id
//	counter/task                       last assigned id
//	spool/<unixnano>-<uuid>            spool entry
//	waiting/<unix>/<id>                waiting queue
//	running/<id>                       running list (since)
//	failed/<unix>/<id>/<task|occ>      failed index
//	finished/<unix>/<id>/<task|occ>    finished index
//	occurrence/<id>/<occ>              occurrence history
//	result/<id>                        worker report
//	status/scheduler                   running-status flag
//
// Numbers are zero-padded to 20 digits so key order is numeric order.
package state
