// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the worker side of a cross-runtime execution
// bridge: a host process drives an embedded Starlark interpreter over a
// framed, strictly alternating message stream.
//
// Every frame is a 4-byte little-endian payload length followed by a
// MessagePack map with the keys cm (command), dt (payload), func (routine
// name) and id (generator handle).
//
// # Commands
//
//	ready  worker → host  sent once, payload is the worker pid
//	exec   host → worker  run a statement unit, answered with done or err
//	eval   host → worker  evaluate an expression, answered with res or err
//	call   worker → host  invoke a host routine; the host may send any
//	                      number of exec/eval units before answering retn
//	retn   host → worker  expression giving the call's result
//	step   worker → host  pull one element of a generator
//	yld    host → worker  expression giving the element
//	stop   host → worker  the generator is exhausted
//	err    either          a structured failure
//
// # Script surface
//
// Units see the bindings of every earlier unit plus these names:
//
//   - ___call_host(name, *args, **kwargs) calls a host routine. Units the
//     host runs before replying can read args and kwargs.
//   - ___call_host_gen(name, *args, **kwargs) opens a host generator and
//     returns a [Generator], iterable with for or stepped with .next().
//   - ___exc_handler(fault) and ___host_exc_handler(fault) receive every
//     failure before it is reported, for local and host-originated
//     failures respectively. Scripts may rebind them.
//   - ___null is None.
//
// # Failures
//
// Failures travel as [Fault] values: a coarse [Category], a refined [Kind]
// for local failures, the original type name, a message and a traceback
// with the worker's frames first. Transport failures and disconnection end
// the session; everything else is reported to the host and the session
// keeps serving.
package bridge
