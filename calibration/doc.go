// Package calibration sequences the calibration procedure of an eye tracker as
// an asynchronous work queue.
//
// Enter starts calibration mode and a dedicated worker. CollectData,
// DiscardData, ComputeAndApply, GetCalibrationData and ApplyCalibrationData
// validate their arguments, queue one work item and return immediately. The
// worker executes items strictly in submission order against the
// device.Calibrator and produces one Result per item. Leave queues a final
// leave item and waits until the queue has drained.
//
// Results are polled with RetrieveResult, which never blocks:
//
//	for {
//		res, ok := wf.RetrieveResult(false)
//		if !ok {
//			time.Sleep(10 * time.Millisecond)
//			continue
//		}
//		if !res.OK() {
//			log.Printf("%s failed: %s", res.Action, res.Message)
//		}
//	}
//
// Device failures are reported only as failed Results and never stop the
// queue. Calling a step outside calibration mode is a caller error
// (errors.ErrWrongState) reported synchronously.
package calibration
