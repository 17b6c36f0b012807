package notify

var DeliveriesTotal = deliveriesTotal
